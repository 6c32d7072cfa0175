package mtproto

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtgram/mtgo/tl"
)

func TestMsgContainer(t *testing.T) {
	ack, err := tl.Serialize(MsgsAck{MsgIDs: []uint64{1, 2}}, true)
	require.NoError(t, err)
	pong, err := tl.Serialize(Pong{MsgID: 8, PingID: 9}, true)
	require.NoError(t, err)

	cont := MsgContainer{Messages: []Message{
		{ID: 0x6000000000000001, SeqNo: 2, Body: ack},
		{ID: 0x6000000000000005, SeqNo: 3, Body: pong},
	}}
	data, err := tl.Serialize(cont, true)
	require.NoError(t, err)

	id, err := tl.PeekConstructor(data)
	require.NoError(t, err)
	assert.Equal(t, MsgContainerID, id)
	assert.Len(t, data, 4+4+16+len(ack)+16+len(pong))

	var parsed MsgContainer
	_, err = tl.Parse(&parsed, data, true)
	require.NoError(t, err)
	assert.Equal(t, cont, parsed)

	t.Run("bad size", func(t *testing.T) {
		bad := append([]byte{}, data...)
		binary.LittleEndian.PutUint32(bad[8+12:], uint32(len(ack)+2))
		_, err := tl.Parse(&parsed, bad, true)
		require.ErrorIs(t, err, tl.ErrMalformed)
	})

	t.Run("too many messages", func(t *testing.T) {
		bad := append([]byte{}, data...)
		binary.LittleEndian.PutUint32(bad[4:], 1000000)
		_, err := tl.Parse(&parsed, bad, true)
		require.ErrorIs(t, err, tl.ErrMalformed)
	})

	t.Run("truncated", func(t *testing.T) {
		for i := 0; i < len(data); i++ {
			_, err := tl.Parse(&parsed, data[:i], true)
			require.ErrorIs(t, err, tl.ErrMalformed, "length %d", i)
		}
	})
}

func TestRPCResult(t *testing.T) {
	inner, err := tl.Serialize(testEchoResult{Value: "abc"}, true)
	require.NoError(t, err)

	data, err := tl.Serialize(RPCResult{ReqMsgID: 0x5e0b700e7f2a9b04, Result: inner}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x6d, 0x5c, 0xf3, 0x04, 0x9b, 0x2a, 0x7f, 0x0e, 0x70, 0x0b, 0x5e}, data[:12])

	var res RPCResult
	_, err = tl.Parse(&res, data, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5e0b700e7f2a9b04), res.ReqMsgID)
	assert.Equal(t, inner, res.Result)

	var echo testEchoResult
	_, err = tl.Parse(&echo, res.Result, true)
	require.NoError(t, err)
	assert.Equal(t, "abc", echo.Value)
}

func TestGunzip(t *testing.T) {
	payload := []byte("hello, hello, hello, hello")
	packed := gzipBody(t, payload)

	data, err := gunzip(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = gunzip([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedWire)
}

func TestRPCError(t *testing.T) {
	tests := []struct {
		code      int
		message   string
		typ       string
		arg       int
		redirect  bool
		movesHome bool
	}{
		{303, "FILE_MIGRATE_5", "FILE_MIGRATE", 5, true, false},
		{303, "PHONE_MIGRATE_2", "PHONE_MIGRATE", 2, true, true},
		{303, "USER_MIGRATE_4", "USER_MIGRATE", 4, true, true},
		{303, "NETWORK_MIGRATE_1", "NETWORK_MIGRATE", 1, true, true},
		{303, "STATS_MIGRATE_3", "STATS_MIGRATE", 3, true, false},
		{420, "FLOOD_WAIT_30", "FLOOD_WAIT", 30, false, false},
		{400, "PEER_ID_INVALID", "PEER_ID_INVALID", 0, false, false},
		{303, "FILE_MIGRATE_X", "FILE_MIGRATE_X", 0, false, false},
		{400, "FILE_MIGRATE_5", "FILE_MIGRATE", 5, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			e := NewRPCError(tt.code, tt.message)
			assert.Equal(t, tt.typ, e.Type)
			assert.Equal(t, tt.arg, e.Argument)
			assert.Equal(t, tt.redirect, e.IsRedirect())
			assert.Equal(t, tt.movesHome, e.MovesHome())
			assert.Contains(t, e.Error(), tt.message)
		})
	}
}

func TestBadMessageError(t *testing.T) {
	err := &BadMessageError{Code: 48, MsgID: 12}
	assert.Equal(t, "bad message 12: incorrect server salt (code 48)", err.Error())
}

func TestInitConnectionWrap(t *testing.T) {
	query, err := tl.Serialize(HelpGetConfig{}, true)
	require.NoError(t, err)

	p := &InitConnectionParams{
		Layer:          181,
		APIID:          12345,
		DeviceModel:    "server",
		SystemVersion:  "linux",
		AppVersion:     "1.0",
		SystemLangCode: "en",
		LangCode:       "en",
		Proxy:          &InputClientProxy{Address: "proxy.example", Port: 443},
	}

	data, err := wrapInitConnection(p, query)
	require.NoError(t, err)

	var invoke InvokeWithLayer
	_, err = tl.Parse(&invoke, data, true)
	require.NoError(t, err)
	assert.Equal(t, 181, invoke.Layer)

	var ic InitConnection
	_, err = tl.Parse(&ic, invoke.Query, true)
	require.NoError(t, err)
	assert.Equal(t, 12345, ic.APIID)
	assert.Equal(t, "server", ic.DeviceModel)
	assert.Equal(t, "", ic.LangPack)
	assert.Equal(t, p.Proxy, ic.Proxy)
	assert.Equal(t, query, ic.Query)

	// proxy flag bit follows presence
	p.Proxy = nil
	data, err = wrapInitConnection(p, query)
	require.NoError(t, err)
	_, err = tl.Parse(&invoke, data, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, invoke.Query[4:8])
	_, err = tl.Parse(&ic, invoke.Query, true)
	require.NoError(t, err)
	assert.Nil(t, ic.Proxy)
}

func testConfig() Config {
	return Config{
		Flags:              1<<0 | 1<<2 | 1<<3 | 1<<7 | 1<<15 | 1<<16,
		DefaultP2PContacts: true,
		Date:               1700000000,
		Expires:            1700003600,
		ThisDC:             2,
		DcOptions: []DcOption{
			{ID: 1, Address: "149.154.175.53", Port: 443},
			{ID: 2, Address: "2001:67c:4e8:f002::a", Port: 443, Flags: DcOptionIPv6},
			{ID: 4, Address: "149.154.167.92", Port: 443, Flags: DcOptionMediaOnly | dcOptionSecret, Secret: []byte{1, 2, 3}},
		},
		DcTxtDomainName:     "apv3.stel.com",
		ChatSizeMax:         200,
		MegagroupSizeMax:    200000,
		TmpSessions:         3,
		MeURLPrefix:         "https://t.me/",
		AutoupdateURLPrefix: "https://updates.example/",
		CaptionLengthMax:    1024,
		MessageLengthMax:    4096,
		WebfileDCID:         4,
		SuggestedLangCode:   "en",
		LangPackVersion:     7,
		BaseLangPackVersion: 6,
		ReactionsDefault:    ReactionEmoji{Emoticon: "👍"},
		AutologinToken:      "token",
	}
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := testConfig()

	data, err := tl.Serialize(cfg, true)
	require.NoError(t, err)

	var parsed Config
	rest, err := tl.Parse(&parsed, data, true)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, cfg, parsed)

	t.Run("no optional fields", func(t *testing.T) {
		cfg := Config{DcOptions: []DcOption{{ID: 1, Address: "1.1.1.1", Port: 80}}}
		data, err := tl.Serialize(cfg, true)
		require.NoError(t, err)

		var parsed Config
		_, err = tl.Parse(&parsed, data, true)
		require.NoError(t, err)
		assert.Equal(t, cfg, parsed)
	})

	t.Run("wrong constructor", func(t *testing.T) {
		pong, err := tl.Serialize(Pong{}, true)
		require.NoError(t, err)

		var parsed Config
		_, err = tl.Parse(&parsed, pong, true)
		require.ErrorIs(t, err, tl.ErrMalformed)
	})

	t.Run("truncated", func(t *testing.T) {
		for _, n := range []int{0, 3, 4, 17, len(data) / 2, len(data) - 1} {
			var parsed Config
			_, err := tl.Parse(&parsed, data[:n], true)
			require.ErrorIs(t, err, tl.ErrMalformed, "length %d", n)
		}
	})

	t.Run("unknown reaction", func(t *testing.T) {
		bad := append([]byte{}, data...)
		emoji, err := tl.Serialize(ReactionEmoji{Emoticon: "👍"}, true)
		require.NoError(t, err)

		// reactions_default is followed only by autologin_token
		token := tl.ToBytes([]byte("token"))
		pos := len(bad) - len(token) - len(emoji)
		require.Equal(t, emoji, bad[pos:pos+len(emoji)])
		binary.LittleEndian.PutUint32(bad[pos:], 0xdeadbeef)

		var parsed Config
		_, err = tl.Parse(&parsed, bad, true)
		require.ErrorIs(t, err, tl.ErrMalformed)
	})
}

func roundTrip(t *testing.T, v tl.Serializable) {
	t.Helper()

	data, err := tl.Serialize(v, true)
	require.NoError(t, err)

	parsed := reflect.New(reflect.TypeOf(v))
	rest, err := tl.Parse(parsed.Interface(), data, true)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, v, parsed.Elem().Interface())

	for i := 0; i < len(data); i++ {
		_, err = tl.Parse(reflect.New(reflect.TypeOf(v)).Interface(), data[:i], true)
		require.ErrorIs(t, err, tl.ErrMalformed, "length %d", i)
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	var n16 [16]byte
	var n32 [32]byte
	for i := range n32 {
		n32[i] = byte(i + 1)
	}
	copy(n16[:], n32[8:])

	records := []tl.Serializable{
		ReqPQMulti{Nonce: n16},
		ResPQ{Nonce: n16, ServerNonce: n16, PQ: []byte{0x17, 0xed, 0x48, 0x94, 0x1a, 0x08, 0xf9, 0x81}, Fingerprints: []uint64{0xd09d1d85de64fd85}},
		PQInnerDataDC{PQ: []byte{1, 2}, P: []byte{1}, Q: []byte{2}, Nonce: n16, ServerNonce: n16, NewNonce: n32, DC: -2},
		ReqDHParams{Nonce: n16, ServerNonce: n16, P: []byte{1}, Q: []byte{2}, Fingerprint: 7, EncryptedData: make([]byte, 256)},
		ServerDHParamsOk{Nonce: n16, ServerNonce: n16, EncryptedAnswer: make([]byte, 596)},
		ServerDHParamsFail{Nonce: n16, ServerNonce: n16, NewNonceHash: n16},
		ServerDHInnerData{Nonce: n16, ServerNonce: n16, G: 3, DHPrime: []byte{0xc7}, GA: []byte{0x02}, ServerTime: 1700000000},
		ClientDHInnerData{Nonce: n16, ServerNonce: n16, RetryID: 5, GB: []byte{3}},
		SetClientDHParams{Nonce: n16, ServerNonce: n16, EncryptedData: []byte{1, 2, 3, 4, 5}},
		DHGenOk{Nonce: n16, ServerNonce: n16, NewNonceHash1: n16},
		DHGenRetry{Nonce: n16, ServerNonce: n16, NewNonceHash2: n16},
		DHGenFail{Nonce: n16, ServerNonce: n16, NewNonceHash3: n16},

		RPCErrorTL{Code: 303, Message: "FILE_MIGRATE_5"},
		RPCDropAnswer{ReqMsgID: 11},
		RPCAnswerDropped{MsgID: 12, SeqNo: 3, Bytes: 40},
		GzipPacked{PackedData: []byte{0x1f, 0x8b, 8}},
		MsgsAck{MsgIDs: []uint64{1, 2, 3}},
		BadMsgNotification{BadMsgID: 13, BadMsgSeqNo: 5, Code: 16},
		BadServerSalt{BadMsgID: 14, BadMsgSeqNo: 7, Code: 48, NewServerSalt: 0xfeedface},
		NewSessionCreated{FirstMsgID: 15, UniqueID: 16, ServerSalt: 17},
		Ping{PingID: 18},
		PingDelayDisconnect{PingID: 19, DisconnectDelay: 75},
		Pong{MsgID: 20, PingID: 21},
		GetFutureSalts{Num: 2},
		FutureSalts{ReqMsgID: 22, Now: 1700000000, Salts: []FutureSalt{
			{ValidSince: 1700000000, ValidUntil: 1700001800, Salt: 23},
			{ValidSince: 1700001800, ValidUntil: 1700003600, Salt: 24},
		}},
		MsgDetailedInfo{MsgID: 25, AnswerMsgID: 26, Bytes: 100, Status: 0},
		MsgNewDetailedInfo{AnswerMsgID: 27, Bytes: 200, Status: 0},
		MsgResendReq{MsgIDs: []uint64{28}},
		MsgsStateReq{MsgIDs: []uint64{29, 30}},
		MsgsStateInfo{ReqMsgID: 31, Info: []byte{1, 4}},
		MsgsAllInfo{MsgIDs: []uint64{32}, Info: []byte{4}},
		DestroySession{SessionID: 33},
		DestroySessionOk{SessionID: 34},
		DestroySessionNone{SessionID: 35},
		InputClientProxy{Address: "proxy.example", Port: 443},
		ReactionEmoji{Emoticon: "👍"},
		ReactionCustomEmoji{DocumentID: 36},
	}

	for _, r := range records {
		t.Run(reflect.TypeOf(r).Name(), func(t *testing.T) {
			roundTrip(t, r)
		})
	}
}

func TestSchemaRoundTrip_EmptyRecords(t *testing.T) {
	for _, r := range []tl.Serializable{RPCAnswerUnknown{}, RPCAnswerDroppedRunning{}, HelpGetConfig{}, ReactionEmpty{}, ReactionPaid{}} {
		data, err := tl.Serialize(r, true)
		require.NoError(t, err)
		require.Len(t, data, 4)

		parsed := reflect.New(reflect.TypeOf(r))
		_, err = tl.Parse(parsed.Interface(), data, true)
		require.NoError(t, err)
		assert.Equal(t, r, parsed.Elem().Interface())
	}
}

func TestDcOptionFlags(t *testing.T) {
	base := DcOption{ID: 2, Address: "149.154.167.51", Port: 443}

	var all DcOption
	cases := map[string]DcOption{"none": base}
	for _, f := range []DcOptionFlags{DcOptionIPv6, DcOptionMediaOnly, DcOptionTCPOOnly, DcOptionCDN, DcOptionStatic, DcOptionThisPortOnly} {
		o := base
		o.Flags = f
		cases[fmt.Sprintf("bit %b", f)] = o
		all.Flags |= f
	}

	secret := base
	secret.Flags = dcOptionSecret
	secret.Secret = []byte{0xdd, 1, 2, 3}
	cases["secret"] = secret

	all.ID, all.Address, all.Port = base.ID, base.Address, base.Port
	all.Flags |= dcOptionSecret
	all.Secret = secret.Secret
	cases["all"] = all

	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			roundTrip(t, o)
		})
	}

	// secret bit follows presence
	data, err := tl.Serialize(DcOption{ID: 1, Address: "a", Port: 1, Secret: []byte{1}}, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(dcOptionSecret), binary.LittleEndian.Uint32(data[4:]))
}

func TestConfigFlags(t *testing.T) {
	setters := map[uint]func(c *Config){
		0:  func(c *Config) { c.TmpSessions = 3 },
		2:  func(c *Config) { c.SuggestedLangCode, c.LangPackVersion, c.BaseLangPackVersion = "en", 7, 6 },
		3:  func(c *Config) { c.DefaultP2PContacts = true },
		4:  func(c *Config) { c.PreloadFeaturedStickers = true },
		6:  func(c *Config) { c.RevokePMInbox = true },
		7:  func(c *Config) { c.AutoupdateURLPrefix = "https://updates.example/" },
		8:  func(c *Config) { c.BlockedMode = true },
		9:  func(c *Config) { c.GifSearchUsername = "gif" },
		10: func(c *Config) { c.VenueSearchUsername = "foursquare" },
		11: func(c *Config) { c.ImgSearchUsername = "bing" },
		12: func(c *Config) { c.StaticMapsProvider = "telegram" },
		14: func(c *Config) { c.ForceTryIPv6 = true },
		15: func(c *Config) { c.ReactionsDefault = ReactionCustomEmoji{DocumentID: 5} },
		16: func(c *Config) { c.AutologinToken = "token" },
	}

	base := func() Config {
		return Config{
			Date:        1700000000,
			Expires:     1700003600,
			TestMode:    true,
			ThisDC:      2,
			DcOptions:   []DcOption{{ID: 2, Address: "149.154.167.51", Port: 443}},
			ChatSizeMax: 200,
			MeURLPrefix: "https://t.me/",
		}
	}

	t.Run("none", func(t *testing.T) {
		roundTrip(t, base())
	})

	all := base()
	for bit, set := range setters {
		cfg := base()
		cfg.Flags = 1 << bit
		set(&cfg)
		t.Run(fmt.Sprintf("bit %d", bit), func(t *testing.T) {
			roundTrip(t, cfg)
		})

		all.Flags |= 1 << bit
		set(&all)
	}

	t.Run("all", func(t *testing.T) {
		roundTrip(t, all)
	})
}

func TestInitConnectionRoundTrip(t *testing.T) {
	query, err := tl.Serialize(Ping{PingID: 1}, true)
	require.NoError(t, err)

	for name, proxy := range map[string]*InputClientProxy{
		"no proxy": nil,
		"proxy":    {Address: "10.0.0.1", Port: 1080},
	} {
		t.Run(name, func(t *testing.T) {
			ic := InitConnection{
				APIID:          1,
				DeviceModel:    "server",
				SystemVersion:  "linux",
				AppVersion:     "1.0",
				SystemLangCode: "en",
				LangPack:       "tdesktop",
				LangCode:       "en",
				Proxy:          proxy,
				Query:          query,
			}

			data, err := tl.Serialize(ic, true)
			require.NoError(t, err)

			var parsed InitConnection
			_, err = tl.Parse(&parsed, data, true)
			require.NoError(t, err)
			assert.Equal(t, ic, parsed)

			wrapped, err := tl.Serialize(InvokeWithLayer{Layer: 201, Query: data}, true)
			require.NoError(t, err)

			var inv InvokeWithLayer
			_, err = tl.Parse(&inv, wrapped, true)
			require.NoError(t, err)
			assert.Equal(t, 201, inv.Layer)
			assert.Equal(t, data, inv.Query)
		})
	}
}
