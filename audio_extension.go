package main

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
)

// AudioExtensionFactory creates an extension instance. obs, if not nil,
// receives the extension's decode events.
type AudioExtensionFactory func(audioParams sstv.AudioExtensionParams, extensionParams map[string]interface{}, obs sstv.Observer) (sstv.AudioExtension, error)

// AudioExtensionInfo contains metadata about a registered extension
type AudioExtensionInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Version     string                 `json:"version"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// AudioExtensionRegistry manages available audio extension types
type AudioExtensionRegistry struct {
	factories map[string]AudioExtensionFactory
	info      map[string]AudioExtensionInfo
	mu        sync.RWMutex
}

// NewAudioExtensionRegistry creates a new audio extension registry
func NewAudioExtensionRegistry() *AudioExtensionRegistry {
	return &AudioExtensionRegistry{
		factories: make(map[string]AudioExtensionFactory),
		info:      make(map[string]AudioExtensionInfo),
	}
}

// Register registers a new audio extension type
func (aer *AudioExtensionRegistry) Register(name string, factory AudioExtensionFactory, info AudioExtensionInfo) {
	aer.mu.Lock()
	defer aer.mu.Unlock()

	aer.factories[name] = factory
	aer.info[name] = info
}

// Create creates a new audio extension instance
func (aer *AudioExtensionRegistry) Create(name string, audioParams sstv.AudioExtensionParams, extensionParams map[string]interface{}, obs sstv.Observer) (sstv.AudioExtension, error) {
	aer.mu.RLock()
	factory, exists := aer.factories[name]
	aer.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("audio extension not found: %s", name)
	}

	return factory(audioParams, extensionParams, obs)
}

// List returns information about all registered audio extensions, by name
func (aer *AudioExtensionRegistry) List() []AudioExtensionInfo {
	aer.mu.RLock()
	defer aer.mu.RUnlock()

	list := make([]AudioExtensionInfo, 0, len(aer.info))
	for _, info := range aer.info {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	return list
}

// Exists checks if an audio extension is registered
func (aer *AudioExtensionRegistry) Exists(name string) bool {
	aer.mu.RLock()
	defer aer.mu.RUnlock()

	_, exists := aer.factories[name]
	return exists
}

// registerBuiltinExtensions adds the SSTV decoder. defaults are applied
// before the client's own parameters.
func registerBuiltinExtensions(aer *AudioExtensionRegistry, defaults map[string]interface{}) {
	meta := sstv.GetInfo()
	info := AudioExtensionInfo{Name: "sstv"}
	info.Description, _ = meta["description"].(string)
	info.Version, _ = meta["version"].(string)
	info.Parameters, _ = meta["parameters"].(map[string]interface{})

	aer.Register("sstv", func(audioParams sstv.AudioExtensionParams, extensionParams map[string]interface{}, obs sstv.Observer) (sstv.AudioExtension, error) {
		merged := make(map[string]interface{}, len(defaults)+len(extensionParams))
		for k, v := range defaults {
			merged[k] = v
		}
		for k, v := range extensionParams {
			merged[k] = v
		}
		ext, err := sstv.NewSSTVExtensionWithObserver(audioParams, merged, obs)
		if err != nil {
			return nil, err
		}
		return ext, nil
	}, info)
}
