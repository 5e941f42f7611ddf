package gateway

// Inbound envelope. One struct covers every client message type; handlers
// check the pointer fields they require and drop the frame when one is
// missing.
type inboundEnvelope struct {
	Type    string  `json:"type"`
	SID     *string `json:"sid,omitempty"`
	Room    *int64  `json:"room,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Outbound envelope shapes. All application semantics ride in these; the
// broadcast pipeline marshals each exactly once per fan-out.

type authOKEnvelope struct {
	Type string `json:"type"` // "auth_ok"
}

type joinedEnvelope struct {
	Type  string  `json:"type"` // "joined"
	Room  int64   `json:"room"`
	Users []int64 `json:"users"`
}

type leftEnvelope struct {
	Type string `json:"type"` // "left"
	Room int64  `json:"room"`
	User int64  `json:"user"`
}

type messageEnvelope struct {
	Type      string `json:"type"` // "message"
	Room      int64  `json:"room"`
	ID        int64  `json:"id"`
	Sender    int64  `json:"sender"`
	Nick      string `json:"nick"`
	Content   string `json:"content"`
	TS        int64  `json:"ts"`
	UnreadCnt int    `json:"unread_cnt"`
}

type unreadEnvelope struct {
	Type  string `json:"type"` // "unread"
	Room  int64  `json:"room"`
	Count int    `json:"count"`
}

type updatedMessageEnvelope struct {
	Type      string `json:"type"` // "updated-message"
	ID        int64  `json:"id"`
	UnreadCnt int    `json:"unread_cnt"`
}

type typeOnlyEnvelope struct {
	Type string `json:"type"` // "updated-chat-room", "ping"
}
