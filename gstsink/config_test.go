package gstsink

import (
	"errors"
	"testing"
)

func TestCaps(t *testing.T) {
	tests := []struct {
		w, h int
		want string
	}{
		{1920, 1080, "video/x-raw,format=BGRx,width=1920,height=1080,framerate=0/1"},
		{800, 600, "video/x-raw,format=BGRx,width=800,height=600,framerate=0/1"},
	}
	for _, tt := range tests {
		if got := Caps(tt.w, tt.h); got != tt.want {
			t.Errorf("Caps(%d, %d) = %q, want %q", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	if got := (Config{}).withDefaults().SinkElement; got != DefaultSinkElement {
		t.Errorf("default SinkElement = %q, want %q", got, DefaultSinkElement)
	}
	if got := (Config{SinkElement: "fakesink"}).withDefaults().SinkElement; got != "fakesink" {
		t.Errorf("SinkElement = %q, want fakesink", got)
	}
}

func TestNewWithoutGStreamer(t *testing.T) {
	if Available {
		t.Skip("built with gst tag")
	}
	if _, err := New(Config{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("New() error = %v, want ErrUnavailable", err)
	}
}
