package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
)

// Role names the job a tracked mailbox has for the account.
type Role string

const (
	RoleSpam  Role = "spam"
	RoleHam   Role = "ham"
	RoleInbox Role = "inbox"
)

// Roles lists every role in the order the orchestrator drains them.
var Roles = []Role{RoleSpam, RoleHam, RoleInbox}

// Identity addresses one mailbox of one account. Its fingerprint keys the
// persisted checkpoint and stays stable for the lifetime of a configuration.
type Identity struct {
	Host    string
	Port    int
	User    string
	Mailbox string
}

// AccountID hashes the account part of the identity.
func (id Identity) AccountID() string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d%s", id.Host, id.Port, id.User)))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes the account id together with the mailbox path.
func (id Identity) Fingerprint() string {
	sum := md5.Sum([]byte(id.AccountID() + id.Mailbox))
	return hex.EncodeToString(sum[:])
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", id.User, id.Host, id.Port, id.Mailbox)
}

// Window is the uid range considered by one synchronization round.
type Window struct {
	Lower   uint32
	Upper   uint32
	Highest uint32
}

// NewWindow computes the window following lastUID with a bounded lookahead.
// Upper saturates at the largest uid.
func NewWindow(lastUID, batchSize, highest uint32) Window {
	return Window{
		Lower:   lastUID + 1,
		Upper:   lastUID + min(batchSize, math.MaxUint32-lastUID),
		Highest: highest,
	}
}

// Checkpoint is the uid a fully processed window advances to. It never
// exceeds what the mailbox actually contains.
func (w Window) Checkpoint() uint32 {
	return min(w.Upper, w.Highest)
}

// Empty reports whether the mailbox holds nothing beyond the window start.
// A zero Lower means the checkpoint already is the largest uid.
func (w Window) Empty() bool {
	return w.Lower == 0 || w.Lower > w.Highest
}

// FetchedMessage is a message body materialized into a round's scratch directory.
type FetchedMessage struct {
	UID  uint32
	Size int64
	Path string
}

// UIDs extracts the uids of msgs in order.
func UIDs(msgs []FetchedMessage) []uint32 {
	uids := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		uids = append(uids, msg.UID)
	}
	return uids
}
