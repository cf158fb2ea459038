package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestICESettings_STUNAndTURN(t *testing.T) {
	t.Parallel()

	servers, err := iceSettings{
		stunURLs:       "stun:stun.example.com, stuns:stun.example.com:5349 ,stun:stun.example.com",
		turnURLs:       "turn:turn.example.com:3478?transport=udp,turns:turn.example.com?transport=tcp",
		turnUsername:   " kiosk-1042 ",
		turnCredential: "s3cret",
	}.servers()
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%+v, want STUN and TURN entries", servers)
	}

	stunEntry := servers[0]
	if got := strings.Join(stunEntry.URLs, " "); got != "stun:stun.example.com stuns:stun.example.com:5349" {
		t.Fatalf("stun urls=%q", got)
	}
	if stunEntry.Username != "" || stunEntry.Credential != nil {
		t.Fatalf("stun entry carries credentials: %+v", stunEntry)
	}

	turnEntry := servers[1]
	if len(turnEntry.URLs) != 2 || turnEntry.Username != "kiosk-1042" {
		t.Fatalf("turn entry=%+v", turnEntry)
	}
	if cred, ok := turnEntry.Credential.(string); !ok || cred != "s3cret" {
		t.Fatalf("turn credential=%#v", turnEntry.Credential)
	}
	if turnEntry.CredentialType != webrtc.ICECredentialTypePassword {
		t.Fatalf("credential type=%v", turnEntry.CredentialType)
	}
}

func TestICESettings_Empty(t *testing.T) {
	t.Parallel()

	servers, err := iceSettings{stunURLs: " , "}.servers()
	if err != nil || len(servers) != 0 {
		t.Fatalf("servers=%+v, %v, want none", servers, err)
	}
}

func TestICESettings_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		settings iceSettings
		mention  string
	}{
		{"turn url in stun list", iceSettings{stunURLs: "turn:turn.example.com"}, EnvStunURLs},
		{"stun url in turn list", iceSettings{turnURLs: "stun:stun.example.com", turnUsername: "u", turnCredential: "p"}, EnvTurnURLs},
		{"unknown scheme", iceSettings{stunURLs: "https://stun.example.com"}, EnvStunURLs},
		{"query on stun", iceSettings{stunURLs: "stun:stun.example.com?transport=udp"}, EnvStunURLs},
		{"bad transport", iceSettings{turnURLs: "turn:turn.example.com?transport=sctp", turnUsername: "u", turnCredential: "p"}, EnvTurnURLs},
		{"turn without credential", iceSettings{turnURLs: "turn:turn.example.com", turnUsername: "u"}, EnvTurnCredential},
		{"credential without turn", iceSettings{stunURLs: "stun:stun.example.com", turnUsername: "u", turnCredential: "p"}, EnvTurnURLs},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.settings.servers()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Fatalf("err=%v, want it to name %s", err, tc.mention)
			}
		})
	}
}

func TestICESettings_FromConfigFileArrays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiosk.toml")
	file := `
stun_urls = ["stun:stun.example.com", "stun:stun2.example.com"]
turn_urls = ["turns:turn.example.com"]
turn_username = "kiosk-1042"
turn_credential = "from-file"
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(minimalEnv(map[string]string{EnvTurnCredential: "from-env"}), []string{"--config", path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 2 || len(cfg.ICEServers[0].URLs) != 2 {
		t.Fatalf("ice servers=%+v", cfg.ICEServers)
	}
	if cred := cfg.ICEServers[1].Credential; cred != "from-env" {
		t.Fatalf("turn credential=%#v, want env to override file", cred)
	}
}
