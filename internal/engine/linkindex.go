package engine

import (
	"github.com/keepstack/keepsync/internal/links"
)

// linkIndex is an in-memory view of the link table snapshot a cycle works
// from. The orchestrator loads it once before the push phases and reloads
// it before the pull phases so pulls see links the pushes just created.
type linkIndex struct {
	byLocal  map[string]*links.Record // local_id | resource_type
	byRemote map[string]*links.Record // remote_id | scope_id
}

func newLinkIndex(records []*links.Record) *linkIndex {
	idx := &linkIndex{
		byLocal:  make(map[string]*links.Record, len(records)),
		byRemote: make(map[string]*links.Record, len(records)),
	}
	for _, r := range records {
		idx.add(r)
	}
	return idx
}

func (idx *linkIndex) add(r *links.Record) {
	idx.byLocal[r.LocalID+"|"+r.ResourceType] = r
	idx.byRemote[r.RemoteID+"|"+r.ScopeID] = r
}

func (idx *linkIndex) remove(r *links.Record) {
	delete(idx.byLocal, r.LocalID+"|"+r.ResourceType)
	delete(idx.byRemote, r.RemoteID+"|"+r.ScopeID)
}

// ByLocal returns the link for a local entity and resource type, or nil.
func (idx *linkIndex) ByLocal(localID, resourceType string) *links.Record {
	return idx.byLocal[localID+"|"+resourceType]
}

// ByRemote returns the link for a remote resource in a scope, or nil.
func (idx *linkIndex) ByRemote(remoteID, scopeID string) *links.Record {
	return idx.byRemote[remoteID+"|"+scopeID]
}
