package server

import (
	"net"
	"testing"
)

func TestFilterAdvertiseIPs(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("2001:db8::5"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)},
		&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)},
		&net.IPAddr{IP: net.ParseIP("10.0.0.1")},
	}
	got := filterAdvertiseIPs(addrs)
	if len(got) != 2 {
		t.Fatalf("expected two addresses, got %v", got)
	}
	if got[0].String() != "192.168.1.20" || got[1].String() != "2001:db8::5" {
		t.Fatalf("unexpected order: %v", got)
	}
	if filterAdvertiseIPs(nil) != nil {
		t.Fatal("expected nil for no addresses")
	}
}

func TestListenPortFromAddr(t *testing.T) {
	cases := map[string]string{
		"":               "9989",
		":8112":          "8112",
		"0.0.0.0:9000":   "9000",
		"[::]:7000":      "7000",
		"7001":           "7001",
		"bad:host:value": "",
	}
	for in, want := range cases {
		if got := listenPortFromAddr(in, "9989"); got != want {
			t.Fatalf("listenPortFromAddr(%q)=%q want %q", in, got, want)
		}
	}
}
