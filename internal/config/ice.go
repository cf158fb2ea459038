package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// iceSettings are the ICE server settings as given. The config file may
// list stun_urls and turn_urls as TOML arrays; they arrive comma-joined.
type iceSettings struct {
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

// servers builds the ICE servers used for kiosk calls: at most one STUN
// entry and one TURN entry carrying the kiosk's static TURN credential.
func (s iceSettings) servers() ([]webrtc.ICEServer, error) {
	stunList, err := parseICEURLs(s.stunURLs, EnvStunURLs, stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS)
	if err != nil {
		return nil, err
	}
	turnList, err := parseICEURLs(s.turnURLs, EnvTurnURLs, stun.SchemeTypeTURN, stun.SchemeTypeTURNS)
	if err != nil {
		return nil, err
	}

	username := strings.TrimSpace(s.turnUsername)
	credential := strings.TrimSpace(s.turnCredential)
	switch {
	case len(turnList) > 0 && (username == "" || credential == ""):
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", EnvTurnUsername, EnvTurnCredential, EnvTurnURLs)
	case len(turnList) == 0 && (username != "" || credential != ""):
		return nil, fmt.Errorf("%s/%s: set without %s", EnvTurnUsername, EnvTurnCredential, EnvTurnURLs)
	}

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunList})
	}
	if len(turnList) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           turnList,
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers, nil
}

// parseICEURLs splits a comma-separated URL list and checks every entry with
// pion's STUN/TURN URI parser. Only the given schemes are accepted, and
// repeated entries are dropped.
func parseICEURLs(raw, env string, schemes ...stun.SchemeType) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" || slices.Contains(out, entry) {
			continue
		}
		uri, err := stun.ParseURI(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", env, entry, err)
		}
		if !slices.Contains(schemes, uri.Scheme) {
			return nil, fmt.Errorf("invalid %s entry %q: %s url where %s is expected", env, entry, uri.Scheme, schemes[0])
		}
		out = append(out, entry)
	}
	return out, nil
}
