package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ByteSize float64

const (
	_           = iota
	KB ByteSize = 1 << (10 * iota)
	MB
	GB
	TB
)

var (
	bytesPattern   *regexp.Regexp = regexp.MustCompile(`(?i)^(-?\d+(?:\.\d+)?)([KMGT]B?|B)$`)
	errInvalidSize                = errors.New("wrong size format: must be a positive number, optionally with a unit of measurement like K, KB, M, MB, G, GB, T or TB")
)

// UnmarshalYAML implements the yaml.Unmarshaler interface.
// Accepts plain byte counts (`1024`) as well as unit-suffixed strings (`10MB`).
func (ds *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}

	switch x := v.(type) {
	case int:
		if x <= 0 {
			return errInvalidSize
		}
		*ds = ByteSize(x)
		return nil
	case int64:
		if x <= 0 {
			return errInvalidSize
		}
		*ds = ByteSize(x)
		return nil
	case float64:
		if x <= 0 {
			return errInvalidSize
		}
		*ds = ByteSize(x)
		return nil
	case string:
		parts := bytesPattern.FindStringSubmatch(strings.TrimSpace(x))
		if len(parts) < 3 {
			return errInvalidSize
		}
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || value <= 0 {
			return errInvalidSize
		}
		switch strings.ToUpper(parts[2])[:1] {
		case "T":
			*ds = ByteSize(value) * TB
		case "G":
			*ds = ByteSize(value) * GB
		case "M":
			*ds = ByteSize(value) * MB
		case "K":
			*ds = ByteSize(value) * KB
		default:
			*ds = ByteSize(value)
		}
		return nil
	default:
		return errInvalidSize
	}
}

// MarshalYAML implements the yaml.Marshaler interface.
func (ds ByteSize) MarshalYAML() (interface{}, error) {
	return float64(ds), nil
}

// Int is an integer that tolerates fractional input; values are floored.
type Int int

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (i *Int) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	switch x := v.(type) {
	case int:
		*i = Int(x)
	case int64:
		*i = Int(x)
	case float64:
		*i = Int(math.Floor(x))
	default:
		return fmt.Errorf("expected a number, got %v", v)
	}
	return nil
}

// Duration wraps time.Duration for human-readable yaml values like `90s`.
type Duration time.Duration

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if dur < 0 {
		return fmt.Errorf("duration must not be negative: %q", s)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Networks is a list of IPNet entities
type Networks []*net.IPNet

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (n *Networks) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s []string
	if err := unmarshal(&s); err != nil {
		return err
	}
	networks := make(Networks, len(s))
	for i, s := range s {
		ipnet, err := stringToIPnet(s)
		if err != nil {
			return err
		}
		networks[i] = ipnet
	}
	*n = networks
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (n Networks) MarshalYAML() (interface{}, error) {
	s := make([]string, len(n))
	for i, ipnet := range n {
		s[i] = ipnet.String()
	}
	return s, nil
}

// Contains checks whether passed addr is in the range of networks.
// Accepts both host:port and the bare address form left behind by the
// client ip middleware.
func (n Networks) Contains(addr string) bool {
	if len(n) == 0 {
		return true
	}

	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		h = addr
	}

	ip := net.ParseIP(h)
	if ip == nil {
		panic(fmt.Sprintf("BUG: unexpected error while parsing IP: %s", h))
	}

	for _, ipnet := range n {
		if ipnet.Contains(ip) {
			return true
		}
	}

	return false
}

// ContainsIP reports whether ip falls into any of the networks.
// An empty list means no restriction.
func (n Networks) ContainsIP(ip net.IP) bool {
	if len(n) == 0 {
		return true
	}
	for _, ipnet := range n {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
