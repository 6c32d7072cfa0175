package mtproto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mtgram/mtgo/tl"
)

func init() {
	// handshake, sent unencrypted
	tl.Register(ReqPQMulti{}, "req_pq_multi#be7e8ef1 nonce:int128 = ResPQ")
	tl.Register(ResPQ{}, "resPQ#05162463 nonce:int128 server_nonce:int128 pq:string server_public_key_fingerprints:Vector<long> = ResPQ")
	tl.Register(PQInnerDataDC{}, "p_q_inner_data_dc#a9f55f95 pq:string p:string q:string nonce:int128 server_nonce:int128 new_nonce:int256 dc:int = P_Q_inner_data")
	tl.Register(ReqDHParams{}, "req_DH_params#d712e4be nonce:int128 server_nonce:int128 p:string q:string public_key_fingerprint:long encrypted_data:string = Server_DH_Params")
	tl.Register(ServerDHParamsOk{}, "server_DH_params_ok#d0e8075c nonce:int128 server_nonce:int128 encrypted_answer:string = Server_DH_Params")
	tl.Register(ServerDHParamsFail{}, "server_DH_params_fail#79cb045d nonce:int128 server_nonce:int128 new_nonce_hash:int128 = Server_DH_Params")
	tl.Register(ServerDHInnerData{}, "server_DH_inner_data#b5890dba nonce:int128 server_nonce:int128 g:int dh_prime:string g_a:string server_time:int = Server_DH_inner_data")
	tl.Register(ClientDHInnerData{}, "client_DH_inner_data#6643b654 nonce:int128 server_nonce:int128 retry_id:long g_b:string = Client_DH_Inner_Data")
	tl.Register(SetClientDHParams{}, "set_client_DH_params#f5045f1f nonce:int128 server_nonce:int128 encrypted_data:string = Set_client_DH_params_answer")
	tl.Register(DHGenOk{}, "dh_gen_ok#3bcbf734 nonce:int128 server_nonce:int128 new_nonce_hash1:int128 = Set_client_DH_params_answer")
	tl.Register(DHGenRetry{}, "dh_gen_retry#46dc1fb9 nonce:int128 server_nonce:int128 new_nonce_hash2:int128 = Set_client_DH_params_answer")
	tl.Register(DHGenFail{}, "dh_gen_fail#a69dae02 nonce:int128 server_nonce:int128 new_nonce_hash3:int128 = Set_client_DH_params_answer")

	// service messages
	tl.Register(RPCResult{}, "rpc_result#f35c6d01 req_msg_id:long result:Object = RpcResult")
	tl.Register(RPCErrorTL{}, "rpc_error#2144ca19 error_code:int error_message:string = RpcError")
	tl.Register(RPCDropAnswer{}, "rpc_drop_answer#58e4a740 req_msg_id:long = RpcDropAnswer")
	tl.Register(RPCAnswerUnknown{}, "rpc_answer_unknown#5e2ad36e = RpcDropAnswer")
	tl.Register(RPCAnswerDroppedRunning{}, "rpc_answer_dropped_running#cd78e586 = RpcDropAnswer")
	tl.Register(RPCAnswerDropped{}, "rpc_answer_dropped#a43ad8b7 msg_id:long seq_no:int bytes:int = RpcDropAnswer")
	tl.Register(MsgContainer{}, "msg_container#73f1f8dc messages:vector<%Message> = MessageContainer")
	tl.Register(GzipPacked{}, "gzip_packed#3072cfa1 packed_data:bytes = Object")
	tl.Register(MsgsAck{}, "msgs_ack#62d6b459 msg_ids:Vector<long> = MsgsAck")
	tl.Register(BadMsgNotification{}, "bad_msg_notification#a7eff811 bad_msg_id:long bad_msg_seqno:int error_code:int = BadMsgNotification")
	tl.Register(BadServerSalt{}, "bad_server_salt#edab447b bad_msg_id:long bad_msg_seqno:int error_code:int new_server_salt:long = BadMsgNotification")
	tl.Register(NewSessionCreated{}, "new_session_created#9ec20908 first_msg_id:long unique_id:long server_salt:long = NewSession")
	tl.Register(Ping{}, "ping#7abe77ec ping_id:long = Pong")
	tl.Register(PingDelayDisconnect{}, "ping_delay_disconnect#f3427b8c ping_id:long disconnect_delay:int = Pong")
	tl.Register(Pong{}, "pong#347773c5 msg_id:long ping_id:long = Pong")
	tl.Register(GetFutureSalts{}, "get_future_salts#b921bd04 num:int = FutureSalts")
	tl.Register(FutureSalt{}, "future_salt#0949d9dc valid_since:int valid_until:int salt:long = FutureSalt")
	tl.Register(FutureSalts{}, "future_salts#ae500895 req_msg_id:long now:int salts:vector<future_salt> = FutureSalts")
	tl.Register(MsgDetailedInfo{}, "msg_detailed_info#276d3ec6 msg_id:long answer_msg_id:long bytes:int status:int = MsgDetailedInfo")
	tl.Register(MsgNewDetailedInfo{}, "msg_new_detailed_info#809db6df answer_msg_id:long bytes:int status:int = MsgDetailedInfo")
	tl.Register(MsgResendReq{}, "msg_resend_req#7d861a08 msg_ids:Vector<long> = MsgResendReq")
	tl.Register(MsgsStateReq{}, "msgs_state_req#da69fb52 msg_ids:Vector<long> = MsgsStateReq")
	tl.Register(MsgsStateInfo{}, "msgs_state_info#04deb57d req_msg_id:long info:string = MsgsStateInfo")
	tl.Register(MsgsAllInfo{}, "msgs_all_info#8cc0d131 msg_ids:Vector<long> info:string = MsgsAllInfo")
	tl.Register(DestroySession{}, "destroy_session#e7512126 session_id:long = DestroySessionRes")
	tl.Register(DestroySessionOk{}, "destroy_session_ok#e22045fc session_id:long = DestroySessionRes")
	tl.Register(DestroySessionNone{}, "destroy_session_none#62d350c9 session_id:long = DestroySessionRes")

	// connection setup and configuration
	tl.Register(InvokeWithLayer{}, "invokeWithLayer#da9b0d0d {X:Type} layer:int query:!X = X")
	tl.Register(InputClientProxy{}, "inputClientProxy#75588b3f address:string port:int = InputClientProxy")
	tl.Register(InitConnection{}, "initConnection#c1cd5ea9 {X:Type} flags:# api_id:int device_model:string system_version:string app_version:string system_lang_code:string lang_pack:string lang_code:string proxy:flags.0?InputClientProxy query:!X = X")
	tl.Register(initConnectionHeader{}, "")
	tl.Register(HelpGetConfig{}, "help.getConfig#c4f9186b = Config")
	tl.Register(DcOption{}, "dcOption#18b7a10d flags:# ipv6:flags.0?true media_only:flags.1?true tcpo_only:flags.2?true cdn:flags.3?true static:flags.4?true this_port_only:flags.5?true id:int ip_address:string port:int secret:flags.10?bytes = DcOption")
	tl.Register(ReactionEmpty{}, "reactionEmpty#79f5d419 = Reaction")
	tl.Register(ReactionEmoji{}, "reactionEmoji#1b2286b8 emoticon:string = Reaction")
	tl.Register(ReactionCustomEmoji{}, "reactionCustomEmoji#8948a2e5 document_id:long = Reaction")
	tl.Register(ReactionPaid{}, "reactionPaid#523da4eb = Reaction")
	tl.Register(Config{}, "config#cc1a241e flags:# default_p2p_contacts:flags.3?true preload_featured_stickers:flags.4?true revoke_pm_inbox:flags.6?true blocked_mode:flags.8?true force_try_ipv6:flags.14?true date:int expires:int test_mode:Bool this_dc:int dc_options:Vector<DcOption> dc_txt_domain_name:string chat_size_max:int megagroup_size_max:int forwarded_count_max:int online_update_period_ms:int offline_blur_timeout_ms:int offline_idle_timeout_ms:int online_cloud_timeout_ms:int notify_cloud_delay_ms:int notify_default_delay_ms:int push_chat_period_ms:int push_chat_limit:int edit_time_limit:int revoke_time_limit:int revoke_pm_time_limit:int rating_e_decay:int stickers_recent_limit:int channels_read_media_period:int tmp_sessions:flags.0?int call_receive_timeout_ms:int call_ring_timeout_ms:int call_connect_timeout_ms:int call_packet_timeout_ms:int me_url_prefix:string autoupdate_url_prefix:flags.7?string gif_search_username:flags.9?string venue_search_username:flags.10?string img_search_username:flags.11?string static_maps_provider:flags.12?string caption_length_max:int message_length_max:int webfile_dc_id:int suggested_lang_code:flags.2?string lang_pack_version:flags.2?int base_lang_pack_version:flags.2?int reactions_default:flags.15?Reaction autologin_token:flags.16?string = Config")
}

// Constructor ids the session layer switches on.
const (
	RPCResultID          uint32 = 0xf35c6d01
	RPCErrorID           uint32 = 0x2144ca19
	MsgContainerID       uint32 = 0x73f1f8dc
	GzipPackedID         uint32 = 0x3072cfa1
	MsgsAckID            uint32 = 0x62d6b459
	BadMsgNotificationID uint32 = 0xa7eff811
	BadServerSaltID      uint32 = 0xedab447b
	NewSessionCreatedID  uint32 = 0x9ec20908
	PongID               uint32 = 0x347773c5
	FutureSaltsID        uint32 = 0xae500895
	MsgDetailedInfoID    uint32 = 0x276d3ec6
	MsgNewDetailedInfoID uint32 = 0x809db6df
	MsgsStateInfoID      uint32 = 0x04deb57d
	MsgsAllInfoID        uint32 = 0x8cc0d131
	MsgResendReqID       uint32 = 0x7d861a08
	DestroySessionOkID   uint32 = 0xe22045fc
	DestroySessionNoneID uint32 = 0x62d350c9

	// media fetch requests, redirected to media-only connections
	UploadGetFileID       uint32 = 0xbe5335be
	UploadGetFileHashesID uint32 = 0x9156982a
	UploadGetCdnFileID    uint32 = 0x395f69da
	UploadGetWebFileID    uint32 = 0x24e6818d
)

type ReqPQMulti struct {
	Nonce [16]byte `tl:"int128"`
}

type ResPQ struct {
	Nonce        [16]byte `tl:"int128"`
	ServerNonce  [16]byte `tl:"int128"`
	PQ           []byte   `tl:"bytes"`
	Fingerprints []uint64 `tl:"vector long"`
}

type PQInnerDataDC struct {
	PQ          []byte   `tl:"bytes"`
	P           []byte   `tl:"bytes"`
	Q           []byte   `tl:"bytes"`
	Nonce       [16]byte `tl:"int128"`
	ServerNonce [16]byte `tl:"int128"`
	NewNonce    [32]byte `tl:"int256"`
	DC          int      `tl:"int"`
}

type ReqDHParams struct {
	Nonce         [16]byte `tl:"int128"`
	ServerNonce   [16]byte `tl:"int128"`
	P             []byte   `tl:"bytes"`
	Q             []byte   `tl:"bytes"`
	Fingerprint   uint64   `tl:"long"`
	EncryptedData []byte   `tl:"bytes"`
}

type ServerDHParamsOk struct {
	Nonce           [16]byte `tl:"int128"`
	ServerNonce     [16]byte `tl:"int128"`
	EncryptedAnswer []byte   `tl:"bytes"`
}

type ServerDHParamsFail struct {
	Nonce        [16]byte `tl:"int128"`
	ServerNonce  [16]byte `tl:"int128"`
	NewNonceHash [16]byte `tl:"int128"`
}

type ServerDHInnerData struct {
	Nonce       [16]byte `tl:"int128"`
	ServerNonce [16]byte `tl:"int128"`
	G           int      `tl:"int"`
	DHPrime     []byte   `tl:"bytes"`
	GA          []byte   `tl:"bytes"`
	ServerTime  int64    `tl:"int"`
}

type ClientDHInnerData struct {
	Nonce       [16]byte `tl:"int128"`
	ServerNonce [16]byte `tl:"int128"`
	RetryID     uint64   `tl:"long"`
	GB          []byte   `tl:"bytes"`
}

type SetClientDHParams struct {
	Nonce         [16]byte `tl:"int128"`
	ServerNonce   [16]byte `tl:"int128"`
	EncryptedData []byte   `tl:"bytes"`
}

type DHGenOk struct {
	Nonce         [16]byte `tl:"int128"`
	ServerNonce   [16]byte `tl:"int128"`
	NewNonceHash1 [16]byte `tl:"int128"`
}

type DHGenRetry struct {
	Nonce         [16]byte `tl:"int128"`
	ServerNonce   [16]byte `tl:"int128"`
	NewNonceHash2 [16]byte `tl:"int128"`
}

type DHGenFail struct {
	Nonce         [16]byte `tl:"int128"`
	ServerNonce   [16]byte `tl:"int128"`
	NewNonceHash3 [16]byte `tl:"int128"`
}

// RPCResult carries the reply to the request with id ReqMsgID,
// Result is the boxed reply object as is.
type RPCResult struct {
	ReqMsgID uint64
	Result   []byte
}

func (r *RPCResult) Parse(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("rpc_result is too short")
	}
	r.ReqMsgID = binary.LittleEndian.Uint64(data)
	r.Result = append([]byte{}, data[8:]...)
	return nil, nil
}

func (r *RPCResult) Serialize(buf *bytes.Buffer) error {
	buf.Write(binary.LittleEndian.AppendUint64(nil, r.ReqMsgID))
	buf.Write(r.Result)
	return nil
}

type RPCErrorTL struct {
	Code    int    `tl:"int"`
	Message string `tl:"string"`
}

type RPCDropAnswer struct {
	ReqMsgID uint64 `tl:"long"`
}

type RPCAnswerUnknown struct{}

type RPCAnswerDroppedRunning struct{}

type RPCAnswerDropped struct {
	MsgID uint64 `tl:"long"`
	SeqNo uint32 `tl:"int"`
	Bytes int    `tl:"int"`
}

// Message is one element of a container, or a decrypted top level message.
type Message struct {
	ID    uint64
	SeqNo uint32
	Body  []byte
}

type MsgContainer struct {
	Messages []Message
}

func (m *MsgContainer) Parse(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("not enough bytes for container size")
	}
	ln := int(binary.LittleEndian.Uint32(data))
	data = data[4:]

	// each message header takes 16 bytes
	if ln > len(data)/16 {
		return nil, fmt.Errorf("container declares %d messages, only %d bytes left", ln, len(data))
	}

	m.Messages = make([]Message, 0, ln)
	for i := 0; i < ln; i++ {
		if len(data) < 16 {
			return nil, fmt.Errorf("not enough bytes for message %d header", i)
		}
		msg := Message{
			ID:    binary.LittleEndian.Uint64(data),
			SeqNo: binary.LittleEndian.Uint32(data[8:]),
		}
		sz := int(binary.LittleEndian.Uint32(data[12:]))
		data = data[16:]

		if sz > len(data) || sz%4 != 0 {
			return nil, fmt.Errorf("invalid message %d size %d", i, sz)
		}
		msg.Body = append([]byte{}, data[:sz]...)
		data = data[sz:]

		m.Messages = append(m.Messages, msg)
	}
	return data, nil
}

func (m *MsgContainer) Serialize(buf *bytes.Buffer) error {
	tmp := make([]byte, 16)
	binary.LittleEndian.PutUint32(tmp, uint32(len(m.Messages)))
	buf.Write(tmp[:4])

	for _, msg := range m.Messages {
		binary.LittleEndian.PutUint64(tmp, msg.ID)
		binary.LittleEndian.PutUint32(tmp[8:], msg.SeqNo)
		binary.LittleEndian.PutUint32(tmp[12:], uint32(len(msg.Body)))
		buf.Write(tmp)
		buf.Write(msg.Body)
	}
	return nil
}

type GzipPacked struct {
	PackedData []byte `tl:"bytes"`
}

type MsgsAck struct {
	MsgIDs []uint64 `tl:"vector long"`
}

type BadMsgNotification struct {
	BadMsgID    uint64 `tl:"long"`
	BadMsgSeqNo uint32 `tl:"int"`
	Code        int    `tl:"int"`
}

type BadServerSalt struct {
	BadMsgID      uint64 `tl:"long"`
	BadMsgSeqNo   uint32 `tl:"int"`
	Code          int    `tl:"int"`
	NewServerSalt uint64 `tl:"long"`
}

type NewSessionCreated struct {
	FirstMsgID uint64 `tl:"long"`
	UniqueID   uint64 `tl:"long"`
	ServerSalt uint64 `tl:"long"`
}

type Ping struct {
	PingID uint64 `tl:"long"`
}

type PingDelayDisconnect struct {
	PingID          uint64 `tl:"long"`
	DisconnectDelay int    `tl:"int"`
}

type Pong struct {
	MsgID  uint64 `tl:"long"`
	PingID uint64 `tl:"long"`
}

type GetFutureSalts struct {
	Num int `tl:"int"`
}

type FutureSalt struct {
	ValidSince int64  `tl:"int"`
	ValidUntil int64  `tl:"int"`
	Salt       uint64 `tl:"long"`
}

type FutureSalts struct {
	ReqMsgID uint64       `tl:"long"`
	Now      int64        `tl:"int"`
	Salts    []FutureSalt `tl:"bare vector struct"`
}

type MsgDetailedInfo struct {
	MsgID       uint64 `tl:"long"`
	AnswerMsgID uint64 `tl:"long"`
	Bytes       int    `tl:"int"`
	Status      int    `tl:"int"`
}

type MsgNewDetailedInfo struct {
	AnswerMsgID uint64 `tl:"long"`
	Bytes       int    `tl:"int"`
	Status      int    `tl:"int"`
}

type MsgResendReq struct {
	MsgIDs []uint64 `tl:"vector long"`
}

type MsgsStateReq struct {
	MsgIDs []uint64 `tl:"vector long"`
}

type MsgsStateInfo struct {
	ReqMsgID uint64 `tl:"long"`
	Info     []byte `tl:"bytes"`
}

type MsgsAllInfo struct {
	MsgIDs []uint64 `tl:"vector long"`
	Info   []byte   `tl:"bytes"`
}

type DestroySession struct {
	SessionID uint64 `tl:"long"`
}

type DestroySessionOk struct {
	SessionID uint64 `tl:"long"`
}

type DestroySessionNone struct {
	SessionID uint64 `tl:"long"`
}

// InvokeWithLayer wraps an already serialized boxed query.
type InvokeWithLayer struct {
	Layer int
	Query []byte
}

func (i *InvokeWithLayer) Parse(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("invokeWithLayer is too short")
	}
	i.Layer = int(int32(binary.LittleEndian.Uint32(data)))
	i.Query = append([]byte{}, data[4:]...)
	return nil, nil
}

func (i *InvokeWithLayer) Serialize(buf *bytes.Buffer) error {
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(int32(i.Layer))))
	buf.Write(i.Query)
	return nil
}

type InputClientProxy struct {
	Address string `tl:"string"`
	Port    int    `tl:"int"`
}

// InitConnection describes the client to the server, it wraps an already serialized boxed query.
type InitConnection struct {
	APIID          int
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	SystemLangCode string
	LangPack       string
	LangCode       string
	Proxy          *InputClientProxy
	Query          []byte
}

type initConnectionHeader struct {
	Flags          uint32            `tl:"flags"`
	APIID          int               `tl:"int"`
	DeviceModel    string            `tl:"string"`
	SystemVersion  string            `tl:"string"`
	AppVersion     string            `tl:"string"`
	SystemLangCode string            `tl:"string"`
	LangPack       string            `tl:"string"`
	LangCode       string            `tl:"string"`
	Proxy          *InputClientProxy `tl:"?0 struct boxed"`
}

func (i *InitConnection) header() *initConnectionHeader {
	return &initConnectionHeader{
		APIID:          i.APIID,
		DeviceModel:    i.DeviceModel,
		SystemVersion:  i.SystemVersion,
		AppVersion:     i.AppVersion,
		SystemLangCode: i.SystemLangCode,
		LangPack:       i.LangPack,
		LangCode:       i.LangCode,
		Proxy:          i.Proxy,
	}
}

func (i *InitConnection) Serialize(buf *bytes.Buffer) error {
	if _, err := tl.Serialize(i.header(), false, buf); err != nil {
		return err
	}
	buf.Write(i.Query)
	return nil
}

func (i *InitConnection) Parse(data []byte) ([]byte, error) {
	var h initConnectionHeader
	rest, err := tl.Parse(&h, data, false)
	if err != nil {
		return nil, err
	}

	*i = InitConnection{
		APIID:          h.APIID,
		DeviceModel:    h.DeviceModel,
		SystemVersion:  h.SystemVersion,
		AppVersion:     h.AppVersion,
		SystemLangCode: h.SystemLangCode,
		LangPack:       h.LangPack,
		LangCode:       h.LangCode,
		Proxy:          h.Proxy,
		Query:          append([]byte{}, rest...),
	}
	return nil, nil
}

type HelpGetConfig struct{}

type ReactionEmpty struct{}

type ReactionEmoji struct {
	Emoticon string `tl:"string"`
}

type ReactionCustomEmoji struct {
	DocumentID int64 `tl:"long"`
}

type ReactionPaid struct{}

// Config is the reply of help.getConfig.
// Optional int fields have no presence marker, set their bit in Flags explicitly.
type Config struct {
	Flags                   uint32     `tl:"flags"`
	DefaultP2PContacts      bool       `tl:"?3 true"`
	PreloadFeaturedStickers bool       `tl:"?4 true"`
	RevokePMInbox           bool       `tl:"?6 true"`
	BlockedMode             bool       `tl:"?8 true"`
	ForceTryIPv6            bool       `tl:"?14 true"`
	Date                    int64      `tl:"int"`
	Expires                 int64      `tl:"int"`
	TestMode                bool       `tl:"bool"`
	ThisDC                  int        `tl:"int"`
	DcOptions               []DcOption `tl:"vector struct boxed"`
	DcTxtDomainName         string     `tl:"string"`
	ChatSizeMax             int        `tl:"int"`
	MegagroupSizeMax        int        `tl:"int"`
	ForwardedCountMax       int        `tl:"int"`
	OnlineUpdatePeriodMs    int        `tl:"int"`
	OfflineBlurTimeoutMs    int        `tl:"int"`
	OfflineIdleTimeoutMs    int        `tl:"int"`
	OnlineCloudTimeoutMs    int        `tl:"int"`
	NotifyCloudDelayMs      int        `tl:"int"`
	NotifyDefaultDelayMs    int        `tl:"int"`
	PushChatPeriodMs        int        `tl:"int"`
	PushChatLimit           int        `tl:"int"`
	EditTimeLimit           int        `tl:"int"`
	RevokeTimeLimit         int        `tl:"int"`
	RevokePMTimeLimit       int        `tl:"int"`
	RatingEDecay            int        `tl:"int"`
	StickersRecentLimit     int        `tl:"int"`
	ChannelsReadMediaPeriod int        `tl:"int"`
	TmpSessions             int        `tl:"?0 int"`
	CallReceiveTimeoutMs    int        `tl:"int"`
	CallRingTimeoutMs       int        `tl:"int"`
	CallConnectTimeoutMs    int        `tl:"int"`
	CallPacketTimeoutMs     int        `tl:"int"`
	MeURLPrefix             string     `tl:"string"`
	AutoupdateURLPrefix     string     `tl:"?7 string"`
	GifSearchUsername       string     `tl:"?9 string"`
	VenueSearchUsername     string     `tl:"?10 string"`
	ImgSearchUsername       string     `tl:"?11 string"`
	StaticMapsProvider      string     `tl:"?12 string"`
	CaptionLengthMax        int        `tl:"int"`
	MessageLengthMax        int        `tl:"int"`
	WebfileDCID             int        `tl:"int"`
	SuggestedLangCode       string     `tl:"?2 string"`
	LangPackVersion         int        `tl:"?2 int"`
	BaseLangPackVersion     int        `tl:"?2 int"`
	ReactionsDefault        any        `tl:"?15 struct boxed [reactionEmpty,reactionEmoji,reactionCustomEmoji,reactionPaid]"`
	AutologinToken          string     `tl:"?16 string"`
}
