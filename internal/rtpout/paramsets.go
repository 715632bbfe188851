package rtpout

import (
	"bytes"

	"github.com/smazurov/m2menc/internal/bitstream"
)

// paramSets remembers the last parameter sets seen in the stream.
type paramSets struct {
	codec bitstream.Codec
	units [][]byte
}

// apply records parameter sets found in au and, for a keyframe without an
// SPS, returns au with the recorded sets in front.
func (p *paramSets) apply(au []byte, keyframe bool) []byte {
	units := bitstream.ParseAnnexB(p.codec, au)

	var found [][]byte
	hasSPS := false
	for _, u := range units {
		if bitstream.IsParameterSet(p.codec, u.Type) {
			found = append(found, bytes.Clone(u.Data))
		}
		if bitstream.IsSPS(p.codec, u.Type) {
			hasSPS = true
		}
	}
	if hasSPS {
		p.units = found
		return au
	}
	if !keyframe || len(p.units) == 0 {
		return au
	}

	var out []byte
	for _, ps := range p.units {
		out = bitstream.AppendNAL(out, ps)
	}
	return append(out, au...)
}
