package hub

import (
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// INF field names the client cares about.
const (
	FieldCID         = "ID"
	FieldNick        = "NI"
	FieldIPv4        = "I4"
	FieldSupports    = "SU"
	FieldDescription = "DE"
	FieldShareSize   = "SS"
)

// UserRecord is what the hub told us about one connected user.
type UserRecord struct {
	SID      string
	CID      string
	Nick     string
	Address  string
	Features mapset.Set[string]
	Fields   map[string]string
}

// Supports reports whether the user advertised the given SU feature.
func (u UserRecord) Supports(feature string) bool {
	return u.Features != nil && u.Features.Contains(feature)
}

func (u UserRecord) String() string {
	if u.Nick != "" {
		return u.Nick
	}
	return u.SID
}

func (u *UserRecord) clone() UserRecord {
	out := *u
	out.Fields = make(map[string]string, len(u.Fields))
	for k, v := range u.Fields {
		out.Fields[k] = v
	}
	if u.Features != nil {
		out.Features = u.Features.Clone()
	}
	return out
}

func (u *UserRecord) refresh() {
	u.CID = u.Fields[FieldCID]
	u.Nick = u.Fields[FieldNick]
	u.Address = u.Fields[FieldIPv4]
	u.Features = mapset.NewThreadUnsafeSet[string]()
	if su := u.Fields[FieldSupports]; su != "" {
		for _, f := range strings.Split(su, ",") {
			if f != "" {
				u.Features.Add(f)
			}
		}
	}
}

// Roster is the table of users currently on the hub, keyed by SID and
// indexed by CID. Lookups return copies so callers never share state with the
// table.
type Roster struct {
	mu    sync.RWMutex
	users map[string]*UserRecord
	byCID map[string]string // CID -> SID
}

func NewRoster() *Roster {
	return &Roster{
		users: make(map[string]*UserRecord),
		byCID: make(map[string]string),
	}
}

// Apply merges an INF update into the record for sid, creating it when
// needed. A field with an empty value is removed.
func (r *Roster) Apply(sid string, fields map[string]string) UserRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[sid]
	if !ok {
		u = &UserRecord{SID: sid, Fields: make(map[string]string, len(fields))}
		r.users[sid] = u
	}
	oldCID := u.CID
	for k, v := range fields {
		if v == "" {
			delete(u.Fields, k)
			continue
		}
		u.Fields[k] = v
	}
	u.refresh()

	if u.CID != oldCID {
		r.unindex(oldCID, sid)
		if u.CID != "" {
			r.byCID[u.CID] = sid
		}
	}
	return u.clone()
}

// unindex must be called with mu held.
func (r *Roster) unindex(cid, sid string) {
	if cid != "" && r.byCID[cid] == sid {
		delete(r.byCID, cid)
	}
}

func (r *Roster) Remove(sid string) (UserRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[sid]
	if !ok {
		return UserRecord{}, false
	}
	delete(r.users, sid)
	r.unindex(u.CID, sid)
	return u.clone(), true
}

func (r *Roster) BySID(sid string) (UserRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[sid]
	if !ok {
		return UserRecord{}, false
	}
	return u.clone(), true
}

func (r *Roster) ByCID(cid string) (UserRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[r.byCID[cid]]
	if !ok || cid == "" {
		return UserRecord{}, false
	}
	return u.clone(), true
}

// ByNick matches nicks case-insensitively.
func (r *Roster) ByNick(nick string) (UserRecord, bool) {
	return r.find(func(u *UserRecord) bool { return nick != "" && strings.EqualFold(u.Nick, nick) })
}

func (r *Roster) find(match func(*UserRecord) bool) (UserRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if match(u) {
			return u.clone(), true
		}
	}
	return UserRecord{}, false
}

// All returns every user ordered by nick.
func (r *Roster) All() []UserRecord {
	r.mu.RLock()
	out := make([]UserRecord, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Nick == out[j].Nick {
			return out[i].SID < out[j].SID
		}
		return out[i].Nick < out[j].Nick
	})
	return out
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]*UserRecord)
	r.byCID = make(map[string]string)
}
