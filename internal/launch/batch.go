package launch

import (
	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/params"
)

// BatchSpec is a request template applied to every artifact of one type in
// a group.
type BatchSpec struct {
	Template *Request
	// GroupID is the group whose artifacts are expanded.
	GroupID  int
	FileType string
	// AnchorKey is the parameter that receives each artifact id. AnchorID is
	// the id the template was built with, or 0 when none was given.
	AnchorKey string
	AnchorID  int
}

// Expand returns one finalized request per artifact. Artifacts of another
// type are skipped when FileType is set. Every occurrence of the anchor id
// in the template is replaced by the artifact's id; without an anchor id the
// artifact id is stored under AnchorKey.
func (b *BatchSpec) Expand(files []cbrain.Userfile) ([]*Request, error) {
	out := make([]*Request, 0, len(files))
	for _, f := range files {
		if b.FileType != "" && f.Type != b.FileType {
			continue
		}
		req := b.Template.Clone()
		if b.AnchorID != 0 {
			req.Params.ReplaceID(b.AnchorID, f.ID)
		}
		if ids := req.Params.IDs(b.AnchorKey); len(ids) != 1 || ids[0] != f.ID {
			req.Params.Set(b.AnchorKey, params.Int(int64(f.ID)))
		}
		if req.names == nil {
			req.names = make(map[int]string)
		}
		req.names[f.ID] = f.Name
		if err := req.Finalize(); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
