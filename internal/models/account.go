package models

// Account is one registry entry: a login identifier, the vault-encrypted
// login secret, and the folder tree persisted between sync passes.
type Account struct {
	User    string     `json:"user"`
	Secret  string     `json:"password"`
	Folders FolderTree `json:"folders"`
}

// LoginSecret is the decrypted form of Account.Secret. It round-trips
// through the vault as JSON.
type LoginSecret struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// FolderTree maps a folder name to its node. The tree nests via Children.
type FolderTree map[string]*Folder

// Folder is one node of an account's folder tree. Highest is the greatest
// UID observed in the folder; it only moves forward, and only after a fully
// successful fetch batch. UIDValidity is the server epoch the UIDs belong to.
// Total and Unseen are server-reported counters kept for display.
type Folder struct {
	Delimiter   string     `json:"delimiter"`
	Highest     uint32     `json:"highest"`
	UIDValidity uint32     `json:"uidValidity"`
	Total       uint32     `json:"total"`
	Unseen      uint32     `json:"unseen"`
	Children    FolderTree `json:"children,omitempty"`
}

// PathSegment is one step of a folder path together with the hierarchy
// delimiter the server reported for it.
type PathSegment struct {
	Name      string `json:"name"`
	Delimiter string `json:"delimiter"`
}

// FolderPath is an ordered list of segments from the top of the hierarchy
// down to the folder itself.
type FolderPath []PathSegment

// String joins the segments with their delimiters into the server-side
// mailbox name, e.g. "INBOX/Receipts".
func (p FolderPath) String() string {
	s := ""
	for i, seg := range p {
		if i > 0 {
			d := p[i-1].Delimiter
			if d == "" {
				d = "/"
			}
			s += d
		}
		s += seg.Name
	}
	return s
}

// IsZero reports whether the path has no segments.
func (p FolderPath) IsZero() bool {
	return len(p) == 0
}
