// Package journal implements the persistent, ordered Raft log together with
// the cluster metadata that every node needs to survive a restart: current
// term, vote, commit index, membership. It is backed by a single bbolt
// database per node, the same pairing the retrieval pack uses for Raft logs
// (github.com/hashicorp/raft-boltdb layers a Raft log on top of
// go.etcd.io/bbolt the same way this package does).
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// Reserved metadata keys, stored in the meta bucket. Entries are kept in
// their own bucket, keyed by entryKey.
const (
	keyCurrentTerm             = "RAFT_CURRENT_TERM"
	keyLogSize                 = "RAFT_LOG_SIZE"
	keyLogStart                = "RAFT_LOG_START"
	keyClusterID               = "RAFT_CLUSTER_ID"
	keyVotedFor                = "RAFT_VOTED_FOR"
	keyCommitIndex             = "RAFT_COMMIT_INDEX"
	keyMembers                 = "RAFT_MEMBERS"
	keyMembershipEpoch         = "RAFT_MEMBERSHIP_EPOCH"
	keyPreviousMembers         = "RAFT_PREVIOUS_MEMBERS"
	keyPreviousMembershipEpoch = "RAFT_PREVIOUS_MEMBERSHIP_EPOCH"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
)

// entryDomainTag prefixes every entry key; it sorts after the leading byte
// of every metadata key, so the two key sets are disjoint by construction.
const entryDomainTag = 0xE0

// Entry is a single (index, term, request) triple.
type Entry struct {
	Index   uint64
	Term    uint64
	Request [][]byte
}

// Kind enumerates the semantic journal error categories a journal operation can hit.
type Kind int

const (
	KindNotFound Kind = iota
	KindOutOfOrder
	KindBadTerm
	KindNonMonotonic
	KindAheadOfLog
	KindCommitSafety
)

// Error is the typed error every journal operation returns on failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a KindNotFound journal error -- the
// recoverable case the replicator escalates into resilvering.
func IsNotFound(err error) bool {
	je, ok := err.(*Error)
	return ok && je.Kind == KindNotFound
}

// Membership is the (full_members, observers) pair plus the log index at
// which it was last changed.
type Membership struct {
	FullMembers []string
	Observers   []string
	Epoch       uint64
}

// Contains reports whether node participates in the cluster in any role.
func (m Membership) Contains(node string) bool {
	for _, n := range m.FullMembers {
		if n == node {
			return true
		}
	}
	for _, n := range m.Observers {
		if n == node {
			return true
		}
	}
	return false
}

// IsFullMember reports whether node is a voting member.
func (m Membership) IsFullMember(node string) bool {
	for _, n := range m.FullMembers {
		if n == node {
			return true
		}
	}
	return false
}

// Quorum returns the majority size of the current full-member set.
func (m Membership) Quorum() int {
	return len(m.FullMembers)/2 + 1
}

// membershipCommand is the gob-encoded request payload journal.append
// recognises as a membership change, so it can keep its membership cache
// current without waiting for the caller to re-derive it by scanning.
type membershipCommand struct {
	FullMembers []string
	Observers   []string
}

// Journal is the persistent ordered log plus cluster metadata. All public
// mutators are single-writer and atomic: §4.1.
type Journal struct {
	mu  sync.Mutex
	cv  *sync.Cond
	db  *bolt.DB
	log zerolog.Logger

	currentTerm uint64
	votedFor    string
	logSize     uint64
	logStart    uint64
	commitIndex uint64
	clusterID   string

	members              Membership
	previousMembers      Membership
	previousMembershipEp uint64

	trimBlocks map[int]uint64 // token -> floor
	nextBlock  int
}

// Open opens (or creates) the journal database rooted at dir, e.g.
// "<database>/current/raft-journal".
func Open(dir, clusterID string, logger zerolog.Logger) (*Journal, error) {
	path := filepath.Join(dir, "quarkdb.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{db: db, log: logger, trimBlocks: make(map[int]uint64)}
	j.cv = sync.NewCond(&j.mu)

	fresh := false
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get([]byte(keyClusterID)) == nil {
			fresh = true
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if fresh {
		if err := j.initializeFresh(clusterID); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		if err := j.loadMeta(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return j, nil
}

// initializeFresh writes entry 0 (term 0, nil request) and the zeroed
// metadata. Entry 0 declares no membership: the membership stays empty
// until a later membership-change entry is appended.
func (j *Journal) initializeFresh(clusterID string) error {
	j.clusterID = clusterID
	j.logStart = 0
	j.logSize = 0
	j.commitIndex = 0
	j.currentTerm = 0

	return j.db.Update(func(tx *bolt.Tx) error {
		if err := j.putMeta(tx); err != nil {
			return err
		}
		return j.appendLocked(tx, Entry{Index: 0, Term: 0, Request: nil})
	})
}

func (j *Journal) loadMeta() error {
	return j.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		j.clusterID = string(meta.Get([]byte(keyClusterID)))
		j.currentTerm = getUint64(meta, keyCurrentTerm)
		j.votedFor = string(meta.Get([]byte(keyVotedFor)))
		j.logSize = getUint64(meta, keyLogSize)
		j.logStart = getUint64(meta, keyLogStart)
		j.commitIndex = getUint64(meta, keyCommitIndex)
		j.previousMembershipEp = getUint64(meta, keyPreviousMembershipEpoch)
		j.members.FullMembers, j.members.Observers = decodeMembers(meta.Get([]byte(keyMembers)))
		j.members.Epoch = getUint64(meta, keyMembershipEpoch)
		j.previousMembers.FullMembers, j.previousMembers.Observers = decodeMembers(meta.Get([]byte(keyPreviousMembers)))
		return nil
	})
}

func getUint64(b *bolt.Bucket, key string) uint64 {
	v := b.Get([]byte(key))
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, key string, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return b.Put([]byte(key), buf)
}

// memberSet is the on-disk shape of a Membership's voting set: full
// members and observers together, so a restart doesn't silently forget
// who was only observing.
type memberSet struct {
	FullMembers []string
	Observers   []string
}

func encodeMembers(m Membership) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(memberSet{FullMembers: m.FullMembers, Observers: m.Observers})
	return buf.Bytes()
}

func decodeMembers(data []byte) (fullMembers, observers []string) {
	if len(data) == 0 {
		return nil, nil
	}
	var ms memberSet
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ms); err != nil {
		return nil, nil
	}
	return ms.FullMembers, ms.Observers
}

func (j *Journal) putMeta(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMeta)
	if err := meta.Put([]byte(keyClusterID), []byte(j.clusterID)); err != nil {
		return err
	}
	if err := putUint64(meta, keyCurrentTerm, j.currentTerm); err != nil {
		return err
	}
	if err := meta.Put([]byte(keyVotedFor), []byte(j.votedFor)); err != nil {
		return err
	}
	if err := putUint64(meta, keyLogSize, j.logSize); err != nil {
		return err
	}
	if err := putUint64(meta, keyLogStart, j.logStart); err != nil {
		return err
	}
	if err := putUint64(meta, keyCommitIndex, j.commitIndex); err != nil {
		return err
	}
	if err := meta.Put([]byte(keyMembers), encodeMembers(j.members)); err != nil {
		return err
	}
	if err := putUint64(meta, keyMembershipEpoch, j.members.Epoch); err != nil {
		return err
	}
	if err := meta.Put([]byte(keyPreviousMembers), encodeMembers(j.previousMembers)); err != nil {
		return err
	}
	return putUint64(meta, keyPreviousMembershipEpoch, j.previousMembershipEp)
}

func entryKey(index uint64) []byte {
	key := make([]byte, 9)
	key[0] = entryDomainTag
	binary.BigEndian.PutUint64(key[1:], index)
	return key
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// CheckpointTo writes a consistent copy of the journal database to path,
// for resilvering a far-behind peer.
func (j *Journal) CheckpointTo(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// ClusterID returns the cluster's immutable opaque identifier.
func (j *Journal) ClusterID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clusterID
}

// CurrentTerm returns the persisted current term.
func (j *Journal) CurrentTerm() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentTerm
}

// LogSize returns the next index to be assigned.
func (j *Journal) LogSize() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logSize
}

// LogStart returns the smallest retained index.
func (j *Journal) LogStart() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logStart
}

// GetCommitIndex returns the highest known-committed index.
func (j *Journal) GetCommitIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commitIndex
}

// GetMembership returns the current membership snapshot.
func (j *Journal) GetMembership() Membership {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.members
}

// LastIndexAndTerm returns (logSize-1, term of that entry).
func (j *Journal) LastIndexAndTerm() (uint64, uint64, error) {
	j.mu.Lock()
	last := j.logSize - 1
	j.mu.Unlock()
	e, err := j.Fetch(last)
	if err != nil {
		return 0, 0, err
	}
	return e.Index, e.Term, nil
}

// TermOf returns the term of the entry at index, or an error if it is not
// retained.
func (j *Journal) TermOf(index uint64) (uint64, error) {
	e, err := j.Fetch(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// Append appends a new entry. Fails with KindOutOfOrder if index != logSize,
// KindBadTerm if term regresses.
func (j *Journal) Append(index, term uint64, request [][]byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if index != j.logSize {
		return newErr(KindOutOfOrder, "append: expected index %d, got %d", j.logSize, index)
	}
	lastTerm, err := j.lastTermLocked()
	if err != nil {
		return err
	}
	if term < lastTerm {
		return newErr(KindBadTerm, "append: term %d older than last term %d", term, lastTerm)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		return j.appendLocked(tx, Entry{Index: index, Term: term, Request: request})
	})
	if err != nil {
		return err
	}
	j.cv.Broadcast()
	return nil
}

func (j *Journal) lastTermLocked() (uint64, error) {
	if j.logSize == 0 {
		return 0, nil
	}
	var term uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(entryKey(j.logSize - 1))
		if v == nil {
			return newErr(KindNotFound, "last entry %d missing", j.logSize-1)
		}
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		term = e.Term
		return nil
	})
	return term, err
}

// appendLocked assumes j.mu is held and runs inside an active bolt
// transaction; it persists the entry, bumps logSize, and refreshes the
// membership cache if the request is a membership command.
func (j *Journal) appendLocked(tx *bolt.Tx, e Entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketEntries).Put(entryKey(e.Index), data); err != nil {
		return err
	}

	j.logSize = e.Index + 1
	if mc, ok := parseMembershipCommand(e.Request); ok {
		j.previousMembers = j.members
		j.previousMembershipEp = j.members.Epoch
		j.members = Membership{FullMembers: mc.FullMembers, Observers: mc.Observers, Epoch: e.Index}
	}
	return j.putMeta(tx)
}

func parseMembershipCommand(request [][]byte) (membershipCommand, bool) {
	if len(request) != 2 || string(request[0]) != "__membership__" {
		return membershipCommand{}, false
	}
	var mc membershipCommand
	if err := gob.NewDecoder(bytes.NewReader(request[1])).Decode(&mc); err != nil {
		return membershipCommand{}, false
	}
	return mc, true
}

// EncodeMembershipRequest builds the opaque request payload for a
// membership-change log entry.
func EncodeMembershipRequest(fullMembers, observers []string) [][]byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(membershipCommand{FullMembers: fullMembers, Observers: observers})
	return [][]byte{[]byte("__membership__"), buf.Bytes()}
}

func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Fetch retrieves the entry at index.
func (j *Journal) Fetch(index uint64) (Entry, error) {
	j.mu.Lock()
	start, size := j.logStart, j.logSize
	j.mu.Unlock()

	if index < start || index >= size {
		return Entry{}, newErr(KindNotFound, "fetch: index %d outside retained range [%d, %d)", index, start, size)
	}

	var e Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(entryKey(index))
		if v == nil {
			return newErr(KindNotFound, "fetch: index %d not present", index)
		}
		var err error
		e, err = decodeEntry(v)
		return err
	})
	return e, err
}

// ScanContents performs a forward scan starting at start, returning up to
// count entries matching glob (matched against the serialised request; an
// empty glob matches everything), plus the next cursor to resume from.
func (j *Journal) ScanContents(start uint64, count int, glob string) (entries []Entry, next uint64, err error) {
	j.mu.Lock()
	size := j.logSize
	j.mu.Unlock()

	err = j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, v := c.Seek(entryKey(start))
		idx := start
		for ; k != nil && len(entries) < count; k, v = c.Next() {
			e, derr := decodeEntry(v)
			if derr != nil {
				return derr
			}
			if glob == "" || globMatch(glob, serializeRequest(e.Request)) {
				entries = append(entries, e)
			}
			idx = e.Index + 1
		}
		next = idx
		return nil
	})
	if next < size && len(entries) == count {
		return entries, next, err
	}
	return entries, size, err
}

func serializeRequest(req [][]byte) string {
	var buf bytes.Buffer
	for i, p := range req {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.Write(p)
	}
	return buf.String()
}

func globMatch(pattern, s string) bool {
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

// VoteFor persists (term, candidate) as the vote cast for term, idempotently
// if called again with the same candidate in the same term.
func (j *Journal) VoteFor(term uint64, candidate string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if term == j.currentTerm && j.votedFor != "" && j.votedFor != candidate {
		return fmt.Errorf("journal: already voted for %q in term %d", j.votedFor, term)
	}

	j.currentTerm = term
	j.votedFor = candidate
	return j.db.Update(func(tx *bolt.Tx) error { return j.putMeta(tx) })
}

// SetTerm persists a new current term, resetting the vote.
func (j *Journal) SetTerm(term uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if term < j.currentTerm {
		return fmt.Errorf("journal: term %d older than current %d", term, j.currentTerm)
	}
	j.currentTerm = term
	j.votedFor = ""
	return j.db.Update(func(tx *bolt.Tx) error { return j.putMeta(tx) })
}

// VotedFor returns the candidate voted for in the current term, if any.
func (j *Journal) VotedFor() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.votedFor
}

// SetCommitIndex advances the commit index. Fails with KindNonMonotonic if
// idx regresses, KindAheadOfLog if idx >= logSize. Wakes all
// WaitForUpdates waiters whose threshold is now satisfied.
func (j *Journal) SetCommitIndex(idx uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if idx < j.commitIndex {
		return newErr(KindNonMonotonic, "set_commit_index: %d < current %d", idx, j.commitIndex)
	}
	if idx >= j.logSize {
		return newErr(KindAheadOfLog, "set_commit_index: %d >= log_size %d", idx, j.logSize)
	}

	j.commitIndex = idx
	err := j.db.Update(func(tx *bolt.Tx) error { return j.putMeta(tx) })
	if err != nil {
		return err
	}
	j.cv.Broadcast()
	return nil
}

// WaitForUpdates blocks until the commit index reaches threshold or timeout
// elapses, whichever comes first.
func (j *Journal) WaitForUpdates(threshold uint64, timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	j.mu.Lock()
	defer j.mu.Unlock()

	for j.commitIndex < threshold {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		waitWithTimeout(j.cv, remaining)
	}
}

// waitWithTimeout wakes the cond's waiter after d even if nobody broadcasts,
// by spinning a helper goroutine that broadcasts once. sync.Cond has no
// native timed wait.
func waitWithTimeout(cv *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cv.Broadcast)
	defer timer.Stop()
	cv.Wait()
}

// TrimBlock is an RAII-style token preventing TrimUntil from dropping
// entries at or above floor while held.
type TrimBlock struct {
	j     *Journal
	token int
}

// Release unregisters the trim block.
func (b *TrimBlock) Release() {
	if b == nil || b.j == nil {
		return
	}
	b.j.mu.Lock()
	delete(b.j.trimBlocks, b.token)
	b.j.mu.Unlock()
}

// RegisterTrimBlock prevents trimming of entries at or above floor until the
// returned token is released.
func (j *Journal) RegisterTrimBlock(floor uint64) *TrimBlock {
	j.mu.Lock()
	defer j.mu.Unlock()
	token := j.nextBlock
	j.nextBlock++
	j.trimBlocks[token] = floor
	return &TrimBlock{j: j, token: token}
}

// lowestTrimBlockLocked returns the smallest floor among active trim blocks,
// or math.MaxUint64 if none are registered.
func (j *Journal) lowestTrimBlockLocked() uint64 {
	lowest := ^uint64(0)
	for _, floor := range j.trimBlocks {
		if floor < lowest {
			lowest = floor
		}
	}
	return lowest
}

// TrimUntil drops entries [logStart, idx). It never blocks: if idx is past
// commitIndex the call is a silent no-op, and otherwise idx is first
// lowered to the lowest active trim block's floor.
func (j *Journal) TrimUntil(idx uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if idx > j.commitIndex {
		return nil
	}
	if block := j.lowestTrimBlockLocked(); idx > block {
		idx = block
	}
	if idx <= j.logStart {
		return nil
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for i := j.logStart; i < idx; i++ {
			if err := b.Delete(entryKey(i)); err != nil {
				return err
			}
		}
		j.logStart = idx
		return j.putMeta(tx)
	})
	if err != nil {
		return err
	}
	j.log.Debug().Uint64("log_start", j.logStart).Msg("journal trimmed")
	return nil
}

// RemoveEntries truncates [fromIndex, logSize). Illegal if any removed
// entry is committed; rolls back membership to previousMembers if a removed
// entry changed it.
func (j *Journal) RemoveEntries(fromIndex uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if fromIndex <= j.commitIndex {
		return newErr(KindCommitSafety, "remove_entries: %d would truncate committed entry", fromIndex)
	}
	if fromIndex >= j.logSize {
		return nil
	}

	rollback := fromIndex <= j.members.Epoch

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for i := fromIndex; i < j.logSize; i++ {
			if err := b.Delete(entryKey(i)); err != nil {
				return err
			}
		}
		j.logSize = fromIndex
		if rollback {
			j.members = j.previousMembers
			j.members.Epoch = j.previousMembershipEp
		}
		return j.putMeta(tx)
	})
	if err != nil {
		return err
	}
	j.cv.Broadcast()
	return nil
}
