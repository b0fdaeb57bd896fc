package main

import (
	"testing"

	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/domain"
)

func TestNewAudio_RequiredDeviceCheckedAtStartup(t *testing.T) {
	ac := config.AudioConfig{Play: true, OutputCommand: []string{"/nonexistent/intercom-player"}}

	if _, err := newAudio(ac); err != nil {
		t.Fatalf("optional device: %v", err)
	}

	ac.Required = true
	_, err := newAudio(ac)
	if !domain.IsFatal(err) {
		t.Fatalf("err=%v, want fatal device error", err)
	}
}
