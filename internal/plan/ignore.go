package plan

import "strings"

// IgnoreSet filters out system bookkeeping fields on both sides. These are
// never compared and never written during sync.
type IgnoreSet struct {
	source    map[string]struct{}
	datastore map[string]struct{}
}

var sourceIgnored = []string{
	"Modified_Time", "Created_Time", "Last_Activity_Time",
	"Modified_By", "Created_By", "Owner", "Tag", "Layout",
	"Converted_Date_Time", "Converted_Account", "Converted_Contact", "Converted_Deal",
	"approval", "approval_state", "review", "review_process", "process_flow",
	"id", "Record_Image", "Locked__s",
}

var datastoreIgnored = []string{
	"Record ID", "Last Modified Time", "Created Time",
}

// DefaultIgnore returns the fixed ignore filter.
func DefaultIgnore() *IgnoreSet {
	s := &IgnoreSet{
		source:    make(map[string]struct{}, len(sourceIgnored)),
		datastore: make(map[string]struct{}, len(datastoreIgnored)),
	}
	for _, name := range sourceIgnored {
		s.source[name] = struct{}{}
	}
	for _, name := range datastoreIgnored {
		s.datastore[name] = struct{}{}
	}
	return s
}

// SourceField reports whether the CRM-side field is ignored. All $-prefixed
// metadata fields are ignored unconditionally.
func (s *IgnoreSet) SourceField(name string) bool {
	if strings.HasPrefix(name, "$") {
		return true
	}
	_, ok := s.source[name]
	return ok
}

// DatastoreField reports whether the datastore-side column is ignored.
func (s *IgnoreSet) DatastoreField(name string) bool {
	_, ok := s.datastore[name]
	return ok
}
