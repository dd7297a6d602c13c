package wire

// PayloadKind tags the variant carried by a SignedEnvelope.
type PayloadKind string

const (
	KindNodeAnnouncement PayloadKind = "node_announcement"
	KindRepoInventory    PayloadKind = "repo_inventory"
	KindEncryptedChat    PayloadKind = "encrypted_chat"
	KindChatAck          PayloadKind = "chat_ack"
)

// Role is a NodeAnnouncement's advertised function in the network.
type Role string

const (
	RoleNormal Role = "normal"
	RoleRelay  Role = "relay"
)

// NodeAnnouncement advertises a node's presence and reachability.
type NodeAnnouncement struct {
	NodeID          string   `json:"node_id"`
	ProtocolVersion int      `json:"protocol_version"`
	Alias           string   `json:"alias"`
	Role            Role     `json:"role"`
	ListenAddresses []string `json:"listen_addresses"`
}

// RepoDescriptor describes one repository, as held locally or as learned
// from a peer's RepoInventory (in which case LocalPath and BundlePath are
// blanked on the wire — they name node-private filesystem locations).
type RepoDescriptor struct {
	RepoID           string            `json:"repo_id"`
	Refs             map[string]string `json:"refs"`
	Creator          string            `json:"creator"`
	Name             string            `json:"name"`
	HumanDescription string            `json:"human_description"`
	Language         string            `json:"language"`
	LatestCommitTime int64             `json:"latest_commit_time"`
	Size             int64             `json:"size"`
	LocalPath        string            `json:"local_path"`
	BundlePath       string            `json:"bundle_path"`
	IsExternal       bool              `json:"is_external"`
}

// RepoInventory advertises the sender's known repository set.
type RepoInventory struct {
	Repos []RepoDescriptor `json:"repos"`
}

// ForWire returns a copy of inv with every descriptor's LocalPath and
// BundlePath blanked, per spec.md §4.4: those paths are node-private and
// must never cross the wire.
func (inv RepoInventory) ForWire() RepoInventory {
	out := RepoInventory{Repos: make([]RepoDescriptor, len(inv.Repos))}
	for i, r := range inv.Repos {
		r.LocalPath = ""
		r.BundlePath = ""
		out.Repos[i] = r
	}
	return out
}

// EncryptedChat carries a ciphertext addressed to ReceiverID. SenderID names
// the original author and is preserved unchanged through relay hops, even
// though the outer envelope gets re-signed by each relaying node.
type EncryptedChat struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	MsgID      string `json:"msg_id"`
	Ciphertext []byte `json:"ciphertext"`
}

// ChatAck acknowledges delivery of the chat message MsgID to Target.
type ChatAck struct {
	Sender    string `json:"sender"`
	Target    string `json:"target"`
	MsgID     string `json:"msg_id"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}
