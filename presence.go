package wavechat

// Presence is a directory listing split by online status.
type Presence struct {
	Online  []User `json:"online"`
	Offline []User `json:"offline"`
}

// PartitionPresence removes the viewer from users and splits the rest into
// online and offline, keeping the listing order within each group.
func PartitionPresence(users []User, viewerID int64) Presence {
	p := Presence{Online: []User{}, Offline: []User{}}
	for _, u := range users {
		if u.ID == viewerID {
			continue
		}
		if u.IsOnline {
			p.Online = append(p.Online, u)
		} else {
			p.Offline = append(p.Offline, u)
		}
	}
	return p
}

// All returns online users followed by offline users.
func (p Presence) All() []User {
	out := make([]User, 0, len(p.Online)+len(p.Offline))
	out = append(out, p.Online...)
	return append(out, p.Offline...)
}

// Len counts users in both groups.
func (p Presence) Len() int {
	return len(p.Online) + len(p.Offline)
}
