package protocol

// MessageType identifies one member of the closed wire vocabulary.
type MessageType string

const (
	TypeHello             MessageType = "hello"
	TypeConnectionRequest MessageType = "connection_request"
	TypeConnectionAccept  MessageType = "connection_accept"
	TypeConnectionReject  MessageType = "connection_reject"
	TypeConnectionCancel  MessageType = "connection_cancel"
	TypeDisconnect        MessageType = "disconnect"
	TypeFileOffer         MessageType = "file_offer"
	TypeFileAccept        MessageType = "file_accept"
	TypeFileReject        MessageType = "file_reject"
	TypeFileChunk         MessageType = "file_chunk"
	TypeFileComplete      MessageType = "file_complete"
	TypeBatchStart        MessageType = "batch_start"
	TypeBatchComplete     MessageType = "batch_complete"
	TypeCallRequest       MessageType = "call_request"
	TypeCallAccept        MessageType = "call_accept"
	TypeCallReject        MessageType = "call_reject"
	TypeCallEnd           MessageType = "call_end"
	TypeSdpOffer          MessageType = "sdp_offer"
	TypeSdpAnswer         MessageType = "sdp_answer"
	TypeIceCandidate      MessageType = "ice_candidate"
	TypeTextMessage       MessageType = "text_message"
	TypeMediaMessage      MessageType = "media_message"
	TypeMessageReceipt    MessageType = "message_receipt"
	TypeTypingIndicator   MessageType = "typing_indicator"
	TypeReaction          MessageType = "reaction"
	TypeChatReject        MessageType = "chat_reject"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
)

// AllMessageTypes lists every member of the wire vocabulary.
var AllMessageTypes = []MessageType{
	TypeHello, TypeConnectionRequest, TypeConnectionAccept, TypeConnectionReject,
	TypeConnectionCancel, TypeDisconnect,
	TypeFileOffer, TypeFileAccept, TypeFileReject, TypeFileChunk, TypeFileComplete,
	TypeBatchStart, TypeBatchComplete,
	TypeCallRequest, TypeCallAccept, TypeCallReject, TypeCallEnd,
	TypeSdpOffer, TypeSdpAnswer, TypeIceCandidate,
	TypeTextMessage, TypeMediaMessage, TypeMessageReceipt, TypeTypingIndicator,
	TypeReaction, TypeChatReject,
	TypePing, TypePong,
}

var knownTypes = func() map[MessageType]bool {
	out := make(map[MessageType]bool, len(AllMessageTypes))
	for _, t := range AllMessageTypes {
		out[t] = true
	}
	return out
}()

// PeerIdentity is the stable identity echoed in every handshake.
type PeerIdentity struct {
	ID                     string `json:"id"`
	DisplayName            string `json:"display_name"`
	CertificateFingerprint string `json:"certificate_fingerprint,omitempty"`
}

// HelloPayload carries the sender identity and key material: the long-lived
// Ed25519 identity public key, a fresh X25519 ephemeral key, and a signature
// over the envelope binding the two together.
type HelloPayload struct {
	Identity     PeerIdentity `json:"identity"`
	PublicKey    string       `json:"public_key"`
	EphemeralKey string       `json:"ephemeral_key"`
	Signature    string       `json:"signature,omitempty"`
}

// RejectPayload carries the reason for connection/file/call/chat rejections.
type RejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// FileOfferPayload announces one file the sender wants to transfer.
type FileOfferPayload struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Filetype string `json:"filetype,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
}

// FileControlPayload references an in-flight transfer for accept/reject/complete.
type FileControlPayload struct {
	FileID   string `json:"file_id"`
	Reason   string `json:"reason,omitempty"`
	Filesize int64  `json:"filesize,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// FileChunkPayload carries one fixed-size slice of file content.
type FileChunkPayload struct {
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
}

// BatchPayload brackets a group of file offers sent in one user action.
type BatchPayload struct {
	BatchID   string `json:"batch_id"`
	FileCount int    `json:"file_count,omitempty"`
}

// CallPayload identifies a voice call attempt.
type CallPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// SignalingPayload carries SDP descriptions and ICE candidates.
type SignalingPayload struct {
	CallID        string `json:"call_id"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex int    `json:"sdp_mline_index,omitempty"`
}

// ChatPayload carries text and media chat content.
type ChatPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ReceiptPayload acknowledges delivery or read of a chat message.
type ReceiptPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ReactionPayload attaches an emoji reaction to a chat message.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// TypingPayload signals typing start/stop.
type TypingPayload struct {
	Typing bool `json:"typing"`
}

// Message is the typed wire envelope. Exactly one payload field matching
// Type is set; payload-free types (ping, disconnect, ...) carry none.
type Message struct {
	Type            MessageType `json:"type"`
	SenderID        string      `json:"sender_id"`
	ProtocolVersion int         `json:"protocol_version"`

	Hello       *HelloPayload       `json:"hello,omitempty"`
	Reject      *RejectPayload      `json:"reject,omitempty"`
	FileOffer   *FileOfferPayload   `json:"file_offer,omitempty"`
	FileControl *FileControlPayload `json:"file_control,omitempty"`
	FileChunk   *FileChunkPayload   `json:"file_chunk,omitempty"`
	Batch       *BatchPayload       `json:"batch,omitempty"`
	Call        *CallPayload        `json:"call,omitempty"`
	Signaling   *SignalingPayload   `json:"signaling,omitempty"`
	Chat        *ChatPayload        `json:"chat,omitempty"`
	Receipt     *ReceiptPayload     `json:"receipt,omitempty"`
	Reaction    *ReactionPayload    `json:"reaction,omitempty"`
	Typing      *TypingPayload      `json:"typing,omitempty"`
}

// NewMessage builds an envelope with the current protocol version stamped.
func NewMessage(msgType MessageType, senderID string) Message {
	return Message{
		Type:            msgType,
		SenderID:        senderID,
		ProtocolVersion: ProtocolVersion,
	}
}

// validatePayload checks that the payload required by the message type is present.
func validatePayload(m Message) error {
	missing := func(field string) error {
		return &DecodeError{MessageType: m.Type, Reason: "missing " + field + " payload"}
	}

	switch m.Type {
	case TypeHello:
		if m.Hello == nil || m.Hello.Identity.ID == "" {
			return missing("hello")
		}
	case TypeFileOffer:
		if m.FileOffer == nil || m.FileOffer.FileID == "" {
			return missing("file_offer")
		}
	case TypeFileAccept, TypeFileReject, TypeFileComplete:
		if m.FileControl == nil || m.FileControl.FileID == "" {
			return missing("file_control")
		}
	case TypeFileChunk:
		if m.FileChunk == nil || m.FileChunk.FileID == "" {
			return missing("file_chunk")
		}
	case TypeBatchStart, TypeBatchComplete:
		if m.Batch == nil || m.Batch.BatchID == "" {
			return missing("batch")
		}
	case TypeCallRequest, TypeCallAccept, TypeCallReject, TypeCallEnd:
		if m.Call == nil || m.Call.CallID == "" {
			return missing("call")
		}
	case TypeSdpOffer, TypeSdpAnswer, TypeIceCandidate:
		if m.Signaling == nil || m.Signaling.CallID == "" {
			return missing("signaling")
		}
	case TypeTextMessage, TypeMediaMessage:
		if m.Chat == nil || m.Chat.MessageID == "" {
			return missing("chat")
		}
	case TypeMessageReceipt:
		if m.Receipt == nil || m.Receipt.MessageID == "" {
			return missing("receipt")
		}
	case TypeReaction:
		if m.Reaction == nil || m.Reaction.MessageID == "" {
			return missing("reaction")
		}
	case TypeTypingIndicator:
		if m.Typing == nil {
			return missing("typing")
		}
	}
	return nil
}
