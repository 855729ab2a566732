package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name    string
		address string
		auth    string
		port    int
		notify  string
		want    string
	}{
		{"plain http", "10.0.0.1", "", 8080, "notify", "http://10.0.0.1:8080/notify"},
		{"secure when auth present", "sys.local", "pubkey", 8443, "events/in", "https://sys.local:8443/events/in"},
		{"leading slash kept single", "h", "", 1, "/cb", "http://h:1/cb"},
		{"empty notify uri", "h", "", 80, "", "http://h:80/"},
		{"ipv6", "::1", "", 9000, "n", "http://[::1]:9000/n"},
		{"bracketed ipv6", "[fe80::1]", "", 9000, "n", "http://[fe80::1]:9000/n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveURL(store.Subscription{
				Consumer:  store.Consumer{Address: tt.address, AuthenticationInfo: tt.auth},
				Port:      tt.port,
				NotifyURI: tt.notify,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveURL_Unresolvable(t *testing.T) {
	tests := []struct {
		name    string
		address string
		port    int
	}{
		{"empty address", "", 80},
		{"port zero", "h", 0},
		{"port too large", "h", 70000},
		{"scheme in address", "http://h", 80},
		{"path in address", "h/x", 80},
		{"space in address", "my host", 80},
		{"host with port", "h:81", 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveURL(store.Subscription{
				Consumer: store.Consumer{Address: tt.address},
				Port:     tt.port,
			})
			assert.ErrorIs(t, err, ErrUnresolvable)
		})
	}
}

func TestResult_ByURL(t *testing.T) {
	res := Result{Outcomes: []Outcome{
		{SubscriptionID: "1", URL: "http://a:1/n", Delivered: true},
		{SubscriptionID: "2", URL: "http://a:1/n", Delivered: false},
		{SubscriptionID: "3", URL: "http://b:1/n", Delivered: true},
		{SubscriptionID: "4", URL: "http://c:1/n", Delivered: false},
		{SubscriptionID: "5", URL: "http://c:1/n", Delivered: true},
	}}

	assert.Equal(t, map[string]bool{
		"http://a:1/n": false,
		"http://b:1/n": true,
		"http://c:1/n": false,
	}, res.ByURL())
	assert.Equal(t, 2, res.Failed())
}
