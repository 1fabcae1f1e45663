// Package pion implements the media transport and file-backed capture on top
// of pion/webrtc.
package pion

import (
	"fmt"
	"strings"

	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	// ICEServers are STUN/TURN URLs, optionally "url|username|credential".
	ICEServers []string
	// DisableReplaceTrack forces source substitution through renegotiation.
	DisableReplaceTrack bool
}

// Adapter builds peer connections from one shared pion API. It implements
// port.PeerFactory.
type Adapter struct {
	api     *webrtc.API
	servers []webrtc.ICEServer
	replace bool
}

func NewPionAdapter(cfg Config) (*Adapter, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{LoggerFactory: defaultLoggerFactory()}

	return &Adapter{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(s),
		),
		servers: parseICEServers(cfg.ICEServers),
		replace: !cfg.DisableReplaceTrack,
	}, nil
}

func (a *Adapter) NewPeerConnection() (port.PeerConnection, error) {
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   a.servers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newPeer(pc, a.replace), nil
}

func parseICEServers(entries []string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		s := webrtc.ICEServer{URLs: []string{parts[0]}}
		if len(parts) == 3 {
			s.Username = parts[1]
			s.Credential = parts[2]
		}
		out = append(out, s)
	}
	return out
}
