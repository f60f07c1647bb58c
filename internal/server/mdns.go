package server

import (
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/mdns"

	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/version"
)

// startMDNSAdvertiser announces the worker endpoint on the local network. The
// HTTP port travels in the TXT record.
func startMDNSAdvertiser(name, grpcAddr, httpAddr string) func() {
	if strings.TrimSpace(envOrDefault("BUILDMASTER_MDNS_ENABLE", "true")) == "false" {
		return func() {}
	}

	portNum, err := strconv.Atoi(listenPortFromAddr(grpcAddr, "9989"))
	if err != nil {
		return func() {}
	}

	host, _ := os.Hostname()
	if strings.TrimSpace(host) == "" {
		host = "buildmaster"
	}
	instance := strings.TrimSpace(envOrDefault("BUILDMASTER_MDNS_INSTANCE", name+"-"+host))
	if instance == "" {
		instance = "buildmaster"
	}

	meta := []string{
		"name=" + name,
		"api_version=1",
		"version=" + version.Current(),
		"http_port=" + listenPortFromAddr(httpAddr, "8112"),
	}
	service, err := mdns.NewMDNSService(instance, protocol.MDNSService, "", "", portNum, discoverAdvertiseIPs(), meta)
	if err != nil {
		slog.Error("mdns advertise service setup failed", "error", err)
		return func() {}
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		slog.Error("mdns advertise start failed", "error", err)
		return func() {}
	}
	slog.Info("mdns advertising enabled", "service", protocol.MDNSService, "instance", instance, "port", portNum)

	return func() {
		_ = server.Shutdown()
	}
}

func discoverAdvertiseIPs() []net.IP {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	return filterAdvertiseIPs(ifAddrs)
}

func filterAdvertiseIPs(addrs []net.Addr) []net.IP {
	seen := map[string]struct{}{}
	out := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet == nil || ipNet.IP == nil {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		normalized := ip.To16()
		if normalized == nil {
			continue
		}
		key := normalized.String()
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil
	}
	// IPv4 first.
	sort.Slice(out, func(i, j int) bool {
		ai := out[i].To4() != nil
		aj := out[j].To4() != nil
		if ai != aj {
			return ai
		}
		return out[i].String() < out[j].String()
	})
	return out
}

func listenPortFromAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	if strings.HasPrefix(addr, ":") {
		return strings.TrimPrefix(addr, ":")
	}
	if !strings.Contains(addr, ":") {
		return addr
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return p
}
