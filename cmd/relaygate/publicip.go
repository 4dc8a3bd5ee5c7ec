package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaygate-project/relaygate/internal/config"
)

// autoPublicHost in relay.public_host asks for the advertised address to be
// detected at startup.
const autoPublicHost = "auto"

var publicIPServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// resolvePublicHost replaces "auto" with a detected address. The route-local
// IP is used when it is public; behind NAT the external IP is fetched.
func resolvePublicHost(cfg *config.Config) {
	host := cfg.GetRelay().PublicHost
	if !strings.EqualFold(host, autoPublicHost) {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			log.Warn().Str("public_host", host).Msg("public host is loopback, only local clients can follow hand-offs")
		}
		return
	}

	detected := detectRouteIP(cfg.GetUpstream().LookupHost)
	if detected == "" || isPrivateIP(detected) {
		if public := detectPublicIP(publicIPServices); public != "" {
			log.Info().Str("local_ip", detected).Str("public_host", public).Msg("using detected public IP")
			detected = public
		}
	}

	if detected == "" {
		log.Fatal().Msg("relay.public_host is 'auto' and detection failed, set it to this machine's public address")
	}

	log.Info().Str("public_host", detected).Msg("auto-detected public host")
	cfg.SetPublicHost(detected)
}

// detectRouteIP returns the local IP the OS routes towards target. Nothing is
// sent: dialing UDP only selects the route.
func detectRouteIP(target string) string {
	if target == "" {
		target = "8.8.8.8"
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	conn, err := net.DialTimeout("udp4", target, 5*time.Second)
	if err != nil {
		log.Debug().Err(err).Msg("route probe failed, falling back to interface scan")
		return detectLocalIP()
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || udpAddr.IP.IsLoopback() || udpAddr.IP.IsUnspecified() {
		return detectLocalIP()
	}
	return udpAddr.IP.String()
}

// isPrivateIP reports whether ip is loopback, link-local or RFC1918.
func isPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate()
}

// detectPublicIP asks each plain-text IP echo service in turn and returns the
// first IPv4 answer.
func detectPublicIP(services []string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	for _, u := range services {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Debug().Err(err).Str("url", u).Msg("public IP fetch failed")
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}
		ipStr := strings.TrimSpace(string(body))
		if ip := net.ParseIP(ipStr); ip != nil && ip.To4() != nil {
			return ipStr
		}
	}
	return ""
}

// detectLocalIP returns the first non-loopback IPv4 interface address.
func detectLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Debug().Err(err).Msg("failed to enumerate network interfaces")
		return ""
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}
