package service

import (
	"strings"

	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/pkg/variables"
	"go.uber.org/fx"
)

var ICE_SERVER_URLS = variables.Env(
	variables.ICE_SERVER_URLS_NAME,
	variables.ICE_SERVER_URLS_DEFAULT,
)

// The coordinator never opens media transports itself. The ICE server list
// is only handed to joining participants so their own stacks can negotiate.
func webrtcConfig() *webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, url := range strings.Split(ICE_SERVER_URLS, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	return &webrtc.Configuration{
		ICEServers: servers,
	}
}

var WebrtcModule = fx.Module("webrtc", fx.Provide(
	webrtcConfig,
))
