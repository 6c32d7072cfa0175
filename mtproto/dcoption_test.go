package mtproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectDcOption(t *testing.T) {
	options := []DcOption{
		{ID: 2, Address: "2001:67c:4e8:f002::a", Port: 443, Flags: DcOptionIPv6},
		{ID: 2, Address: "149.154.167.51", Port: 443},
		{ID: 2, Address: "149.154.167.151", Port: 443, Flags: DcOptionMediaOnly},
		{ID: 2, Address: "2001:67c:4e8:f002::b", Port: 443, Flags: DcOptionMediaOnly | DcOptionIPv6},
		{ID: 3, Address: "149.154.175.100", Port: 443, Flags: DcOptionCDN},
		{ID: 4, Address: "2001:67c:4e8:f004::a", Port: 443, Flags: DcOptionIPv6},
		{ID: 5, Address: "91.108.56.100", Port: 443},
	}

	tests := []struct {
		name string
		spec ConnectionSpec
		addr string
		err  bool
	}{
		{"ipv4 preferred", ConnectionSpec{DC: 2}, "149.154.167.51", false},
		{"ipv6 only", ConnectionSpec{DC: 2, Flags: IPv6Only}, "2001:67c:4e8:f002::a", false},
		{"media", ConnectionSpec{DC: 2, Flags: MediaOnly}, "149.154.167.151", false},
		{"media ipv6", ConnectionSpec{DC: 2, Flags: MediaOnly | IPv6Only}, "2001:67c:4e8:f002::b", false},
		{"cdn skipped", ConnectionSpec{DC: 3}, "", true},
		{"ipv6 fallback", ConnectionSpec{DC: 4}, "2001:67c:4e8:f004::a", false},
		{"ipv4 only", ConnectionSpec{DC: 4, Flags: IPv4Only}, "", true},
		{"media fallback", ConnectionSpec{DC: 5, Flags: MediaOnly}, "91.108.56.100", false},
		{"unknown", ConnectionSpec{DC: 9}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := SelectDcOption(options, tt.spec)
			if tt.err {
				require.ErrorIs(t, err, ErrNoDcOption)
				assert.False(t, hasDcOption(options, tt.spec))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, o.Address)
			assert.Equal(t, tt.spec.DC, o.ID)
			assert.Equal(t, tt.spec.Has(MediaOnly), o.Has(DcOptionMediaOnly))
		})
	}
}

func TestDcOptionAddr(t *testing.T) {
	assert.Equal(t, "149.154.167.51:443", DcOption{Address: "149.154.167.51", Port: 443}.Addr())
	assert.Equal(t, "[2001:67c:4e8:f002::a]:443", DcOption{Address: "2001:67c:4e8:f002::a", Port: 443}.Addr())
	assert.Equal(t, "dc5 media ipv4", ConnectionSpec{DC: 5, Flags: MediaOnly | IPv4Only}.String())
}

func TestDefaultDcOptions(t *testing.T) {
	options := DefaultDcOptions()
	for dc := 1; dc <= 5; dc++ {
		o, err := SelectDcOption(options, ConnectionSpec{DC: dc})
		require.NoError(t, err)
		assert.False(t, o.Has(DcOptionIPv6))

		o, err = SelectDcOption(options, ConnectionSpec{DC: dc, Flags: IPv6Only})
		require.NoError(t, err)
		assert.True(t, o.Has(DcOptionIPv6))
	}
}
