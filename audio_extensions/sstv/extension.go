package sstv

import (
	"fmt"
	"log"
)

/*
 * SSTV Extension Wrapper
 * Integrates the SSTV decoder with the audio extension framework
 */

// AudioExtensionParams contains audio stream parameters
type AudioExtensionParams struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// AudioExtension interface for extensible audio processors
type AudioExtension interface {
	Start(audioChan <-chan []int16, resultChan chan<- []byte) error
	Stop() error
	GetName() string
}

// SSTVExtension wraps the SSTV decoder as an AudioExtension
type SSTVExtension struct {
	decoder *Decoder
	config  Config
}

// NewSSTVExtension creates a new SSTV audio extension
func NewSSTVExtension(audioParams AudioExtensionParams, extensionParams map[string]interface{}) (*SSTVExtension, error) {
	return NewSSTVExtensionWithObserver(audioParams, extensionParams, nil)
}

// NewSSTVExtensionWithObserver is NewSSTVExtension with an event observer,
// used by hosts that publish decode events elsewhere.
func NewSSTVExtensionWithObserver(audioParams AudioExtensionParams, extensionParams map[string]interface{}, obs Observer) (*SSTVExtension, error) {
	// Validate audio parameters
	if audioParams.Channels != 1 {
		return nil, fmt.Errorf("SSTV requires mono audio (got %d channels)", audioParams.Channels)
	}
	if audioParams.BitsPerSample != 16 {
		return nil, fmt.Errorf("SSTV requires 16-bit audio (got %d bits)", audioParams.BitsPerSample)
	}

	config := DefaultConfig(float64(audioParams.SampleRate))
	if err := config.ApplyParams(extensionParams); err != nil {
		return nil, err
	}

	decoder, err := NewDecoder(config, obs)
	if err != nil {
		return nil, err
	}

	log.Printf("[SSTV Extension] Created with sample rate: %d Hz, auto_skew: %v, decode_fsk_id: %v, adaptive: %v, forced_mode: %q",
		audioParams.SampleRate, config.AutoSkew, config.DecodeFSKID, config.Adaptive, config.ForcedMode)

	return &SSTVExtension{
		decoder: decoder,
		config:  config,
	}, nil
}

// Start begins processing audio
func (e *SSTVExtension) Start(audioChan <-chan []int16, resultChan chan<- []byte) error {
	return e.decoder.Start(audioChan, resultChan)
}

// Stop stops the extension
func (e *SSTVExtension) Stop() error {
	return e.decoder.Stop()
}

// Wait blocks until the decoder has drained a closed audio channel.
func (e *SSTVExtension) Wait() {
	e.decoder.Wait()
}

// GetName returns the extension name
func (e *SSTVExtension) GetName() string {
	return "sstv"
}

// Config returns the effective decoder configuration.
func (e *SSTVExtension) Config() Config { return e.config }
