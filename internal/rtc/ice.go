package rtc

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN/TURN servers handed to every peer connection.
type ICEConfig struct {
	STUN       []string
	TURN       []string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// TURNURLs expands a bare turn: host into the udp, tcp and tls variants.
func TURNURLs(server string) []string {
	if server == "" {
		return nil
	}
	if strings.Contains(server, "?transport=") {
		return []string{server}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(server, "turn:"), "turns:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

func (c ICEConfig) configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUN})
	}
	if len(c.TURN) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURN,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if len(c.TURN) > 0 && (c.ForceRelay || relayRecommended()) {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
	}
}

var cgnat = func() *net.IPNet {
	_, block, _ := net.ParseCIDR("100.64.0.0/10")
	return block
}()

// relayRecommended reports whether an interface looks like a VPN tunnel or
// sits in the carrier-grade NAT range, where direct paths rarely work.
func relayRecommended() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if tunnelName(iface.Name) {
			return true
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok && cgnat.Contains(ipn.IP) {
				return true
			}
		}
	}
	return false
}

func tunnelName(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"tun", "tap", "wg", "ppp", "warp"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
