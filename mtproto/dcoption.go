package mtproto

import (
	"fmt"
	"net"
	"strconv"
)

// DcOptionFlags mirrors the flag bits of the dcOption constructor.
type DcOptionFlags uint32

const (
	DcOptionIPv6 DcOptionFlags = 1 << iota
	DcOptionMediaOnly
	DcOptionTCPOOnly
	DcOptionCDN
	DcOptionStatic
	DcOptionThisPortOnly
)

const dcOptionSecret DcOptionFlags = 1 << 10

// DcOption is an address of a DC, it is the dcOption constructor itself.
type DcOption struct {
	Flags   DcOptionFlags `tl:"flags"`
	ID      int           `tl:"int"`
	Address string        `tl:"string"`
	Port    int           `tl:"int"`
	Secret  []byte        `tl:"?10 bytes"`
}

func (o DcOption) Has(f DcOptionFlags) bool {
	return o.Flags&f != 0
}

func (o DcOption) Addr() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(o.Port))
}

func (o DcOption) String() string {
	return fmt.Sprintf("dc%d %s flags %b", o.ID, o.Addr(), o.Flags&^dcOptionSecret)
}

type ConnectionFlags uint8

const (
	MediaOnly ConnectionFlags = 1 << iota
	IPv4Only
	IPv6Only
)

// ConnectionSpec is the routing key of a connection.
type ConnectionSpec struct {
	DC    int
	Flags ConnectionFlags
}

func (s ConnectionSpec) Has(f ConnectionFlags) bool {
	return s.Flags&f != 0
}

func (s ConnectionSpec) String() string {
	str := "dc" + strconv.Itoa(s.DC)
	if s.Has(MediaOnly) {
		str += " media"
	}
	if s.Has(IPv4Only) {
		str += " ipv4"
	}
	if s.Has(IPv6Only) {
		str += " ipv6"
	}
	return str
}

// SelectDcOption picks the option for spec. A media spec prefers media only options
// and falls back to a general one, which is returned marked as media only.
// CDN options are never selected.
func SelectDcOption(options []DcOption, spec ConnectionSpec) (DcOption, error) {
	var general, media *DcOption
	for i := range options {
		o := &options[i]
		if o.ID != spec.DC || o.Has(DcOptionCDN) {
			continue
		}
		if spec.Has(IPv4Only) && o.Has(DcOptionIPv6) {
			continue
		}
		if spec.Has(IPv6Only) && !o.Has(DcOptionIPv6) {
			continue
		}

		// ipv4 first, unless only ipv6 is allowed
		better := func(cur *DcOption) bool {
			return cur == nil || (cur.Has(DcOptionIPv6) && !o.Has(DcOptionIPv6))
		}

		if o.Has(DcOptionMediaOnly) {
			if better(media) {
				media = o
			}
		} else if better(general) {
			general = o
		}
	}

	if spec.Has(MediaOnly) {
		if media != nil {
			return *media, nil
		}
		if general != nil {
			res := *general
			res.Flags |= DcOptionMediaOnly
			return res, nil
		}
	} else if general != nil {
		return *general, nil
	}
	return DcOption{}, fmt.Errorf("%w: %s", ErrNoDcOption, spec)
}

// DefaultDcOptions is the static seed list of production DCs.
func DefaultDcOptions() []DcOption {
	return []DcOption{
		{ID: 1, Address: "149.154.175.50", Port: 443, Flags: DcOptionStatic},
		{ID: 2, Address: "149.154.167.51", Port: 443, Flags: DcOptionStatic},
		{ID: 2, Address: "95.161.76.100", Port: 443, Flags: DcOptionStatic},
		{ID: 3, Address: "149.154.175.100", Port: 443, Flags: DcOptionStatic},
		{ID: 4, Address: "149.154.167.91", Port: 443, Flags: DcOptionStatic},
		{ID: 5, Address: "149.154.171.5", Port: 443, Flags: DcOptionStatic},
		{ID: 1, Address: "2001:b28:f23d:f001::a", Port: 443, Flags: DcOptionStatic | DcOptionIPv6},
		{ID: 2, Address: "2001:67c:4e8:f002::a", Port: 443, Flags: DcOptionStatic | DcOptionIPv6},
		{ID: 3, Address: "2001:b28:f23d:f003::a", Port: 443, Flags: DcOptionStatic | DcOptionIPv6},
		{ID: 4, Address: "2001:67c:4e8:f004::a", Port: 443, Flags: DcOptionStatic | DcOptionIPv6},
		{ID: 5, Address: "2001:b28:f23f:f005::a", Port: 443, Flags: DcOptionStatic | DcOptionIPv6},
	}
}

func hasDcOption(options []DcOption, spec ConnectionSpec) bool {
	_, err := SelectDcOption(options, spec)
	return err == nil
}
