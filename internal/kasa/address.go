package kasa

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Address names a device, or one outlet of a power strip.
// Child is 1-based; 0 addresses the whole device.
type Address struct {
	Host  string
	Child int
}

// ParseAddress parses "host" or "host/N".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, errors.New("empty device address")
	}
	host, child, found := strings.Cut(s, "/")
	if !found {
		return Address{Host: host}, nil
	}
	if host == "" {
		return Address{}, errors.Errorf("address %q has no host", s)
	}
	n, err := strconv.Atoi(child)
	if err != nil {
		return Address{}, errors.Wrapf(err, "address %q: outlet index", s)
	}
	if n < 1 {
		return Address{}, errors.Errorf("address %q: outlet index starts at 1", s)
	}
	return Address{Host: host, Child: n}, nil
}

// String formats the address the way it is configured.
func (a Address) String() string {
	if a.Child > 0 {
		return a.Host + "/" + strconv.Itoa(a.Child)
	}
	return a.Host
}
