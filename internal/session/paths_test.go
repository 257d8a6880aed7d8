package session

import (
	"strings"
	"testing"
)

func TestPathsAreSessionScoped(t *testing.T) {
	paths := []string{
		SocketPath("work"),
		DBPath("work"),
		TokenPath("work"),
		RecordingsDir("work"),
		HandoffDir("work"),
		LogPath("work"),
	}
	for _, p := range paths {
		if !strings.Contains(p, "sessions/work") {
			t.Errorf("path %q not scoped to session dir", p)
		}
	}
}

func TestConfigPathIsGlobal(t *testing.T) {
	if strings.Contains(ConfigPath(), "sessions") {
		t.Errorf("config path %q should not be session-scoped", ConfigPath())
	}
	if !strings.HasSuffix(ConfigPath(), "config.toml") {
		t.Errorf("config path %q should end in config.toml", ConfigPath())
	}
}
