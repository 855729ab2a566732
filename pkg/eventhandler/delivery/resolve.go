package delivery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// ErrUnresolvable indicates a subscription's destination URL cannot be built.
var ErrUnresolvable = errors.New("destination unresolvable")

// ResolveURL builds the notification URL for sub.
// The scheme is https when the consumer carries authentication info.
// The host is the consumer address and the port is the subscription's.
func ResolveURL(sub store.Subscription) (string, error) {
	addr := sub.Consumer.Address
	switch {
	case addr == "":
		return "", fmt.Errorf("%w: consumer address missing", ErrUnresolvable)
	case strings.ContainsAny(addr, "/?#@ \t\r\n"):
		return "", fmt.Errorf("%w: malformed consumer address %q", ErrUnresolvable, addr)
	}
	if sub.Port < 1 || sub.Port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrUnresolvable, sub.Port)
	}

	// JoinHostPort brackets bare IPv6 addresses; already-bracketed input is unwrapped first.
	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("%w: malformed consumer address %q", ErrUnresolvable, addr)
	}

	scheme := "http"
	if sub.Consumer.Secure() {
		scheme = "https"
	}

	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(sub.Port)),
		Path:   "/" + strings.TrimLeft(sub.NotifyURI, "/"),
	}
	return u.String(), nil
}
