package gitserver

import (
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/sideband"
)

// Agent is the capability string identifying this server.
const Agent = "kohakuhub/1.0"

// UploadPackService is the only Smart HTTP service the hub speaks.
const UploadPackService = "git-upload-pack"

func capabilities() string {
	caps := capability.NewList()
	_ = caps.Set(capability.MultiACK)
	_ = caps.Set(capability.Sideband64k)
	_ = caps.Set(capability.ThinPack)
	_ = caps.Set(capability.OFSDelta)
	_ = caps.Set(capability.Agent, Agent)
	return caps.String()
}

// WriteAdvertisement emits the smart info/refs body: the service banner, a
// flush, then the ref list. The first ref carries the capability list after
// a NUL; an empty repository advertises the synthetic capabilities^{} line.
func WriteAdvertisement(w io.Writer, repo *SynthRepo) error {
	e := pktline.NewEncoder(w)
	if err := e.EncodeString("# service=" + UploadPackService + "\n"); err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}

	caps := capabilities()
	if repo.Empty() {
		if err := e.EncodeString(fmt.Sprintf("%s capabilities^{}\x00%s\n", plumbing.ZeroHash, caps)); err != nil {
			return err
		}
		return e.Flush()
	}

	first := true
	write := func(hash plumbing.Hash, name string) error {
		if first {
			first = false
			return e.EncodeString(fmt.Sprintf("%s %s\x00%s\n", hash, name, caps))
		}
		return e.EncodeString(fmt.Sprintf("%s %s\n", hash, name))
	}

	if !repo.Head.IsZero() {
		if err := write(repo.Head, "HEAD"); err != nil {
			return err
		}
	}
	for _, ref := range repo.Refs {
		if err := write(ref.Hash, ref.Name); err != nil {
			return err
		}
	}
	return e.Flush()
}

// ServeUploadPack answers one upload-pack request: decode wants/haves,
// reply NAK, then stream a self-contained pack on side-band channel 1.
// Haves are ignored; the client always receives the full object set.
func ServeUploadPack(w io.Writer, r io.Reader, repo *SynthRepo) error {
	req := packp.NewUploadPackRequest()
	if err := req.Decode(r); err != nil {
		return fmt.Errorf("decode upload-pack request: %w", err)
	}
	if len(req.Wants) == 0 {
		return fmt.Errorf("no wants in upload-pack request")
	}
	for _, want := range req.Wants {
		if !repo.has(want) {
			return fmt.Errorf("want %s not found", want)
		}
	}

	e := pktline.NewEncoder(w)
	if err := e.EncodeString("NAK\n"); err != nil {
		return err
	}

	mux := sideband.NewMuxer(sideband.Sideband64k, w)
	enc := packfile.NewEncoder(mux, repo.Storer, false)
	if _, err := enc.Encode(repo.Objects, 0); err != nil {
		// Bytes may already be on the wire; report on channel 3 and drop
		// the connection.
		_, _ = mux.WriteChannel(sideband.ErrorMessage, []byte(fmt.Sprintf("pack error: %v\n", err)))
		return err
	}
	return e.Flush()
}

func (s *SynthRepo) has(h plumbing.Hash) bool {
	if s.Head == h {
		return true
	}
	for _, ref := range s.Refs {
		if ref.Hash == h {
			return true
		}
	}
	return false
}
