package cluster

// TicketDTO is the wire form of a ticket.Ticket, used by every RPC reply
// that carries a ticket.
type TicketDTO struct {
	UserID       string `json:"user_id"`
	Rank         int32  `json:"rank"`
	EnqueuedAtMS int64  `json:"enqueued_at_ms"`
}

// PeekNearestRPCRequest is the body of POST /rpc/peek_nearest.
type PeekNearestRPCRequest struct {
	Epoch         int64  `json:"epoch"`
	ShardID       string `json:"shard_id"`
	Rank          int32  `json:"rank"`
	AllowedDiff   int32  `json:"allowed_diff"`
	ExcludeUserID string `json:"exclude_user_id"`
}

// PeekNearestRPCReply is the body of the /rpc/peek_nearest response.
type PeekNearestRPCReply struct {
	Ticket        TicketDTO `json:"ticket"`
	Found         bool      `json:"found"`
	EpochMismatch bool      `json:"epoch_mismatch"`
}

// ReserveRPCRequest is the body of POST /rpc/reserve.
type ReserveRPCRequest struct {
	Epoch        int64  `json:"epoch"`
	ShardID      string `json:"shard_id"`
	UserID       string `json:"user_id"`
	Rank         int32  `json:"rank"`
	EnqueuedAtMS int64  `json:"enqueued_at_ms"`
}

// ReserveRPCReply is the body of the /rpc/reserve response.
type ReserveRPCReply struct {
	Ticket TicketDTO `json:"ticket"`
	Status string    `json:"status"`
}

// EnqueueRPCRequest is the body of POST /rpc/enqueue.
type EnqueueRPCRequest struct {
	Epoch   int64  `json:"epoch"`
	ShardID string `json:"shard_id"`
	UserID  string `json:"user_id"`
	Rank    int32  `json:"rank"`
}

// EnqueueRPCReply is the body of the /rpc/enqueue response.
type EnqueueRPCReply struct {
	Status string `json:"status"`
}

// AddRequestDTO is the body of POST /match (RequestHandler.AddRequest).
type AddRequestDTO struct {
	UserID string `json:"user_id"`
	Rank   int32  `json:"rank"`
}

// AddRequestReplyDTO is the body of the /match response.
type AddRequestReplyDTO struct {
	Status string `json:"status"`
}

// ClaimRPCRequest is the body of POST /claims/claim and POST
// /claims/release against the coordinator's cluster-wide claim index.
type ClaimRPCRequest struct {
	UserID string `json:"user_id"`
}

// ClaimRPCReply is the body of the /claims/claim response.
type ClaimRPCReply struct {
	Status string `json:"status"`
}

// MatchNotificationDTO is one event delivered by GET /match/subscribe.
type MatchNotificationDTO struct {
	Users [2]struct {
		UserID string `json:"user_id"`
		Rank   int32  `json:"rank"`
	} `json:"users"`
}
