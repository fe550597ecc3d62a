package httpstages

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dcshock/stagechain/pipeline"
)

// DownloadStage fetches the URL held in the URLKey context value into the
// cache artifact <cache_dir>/<Artifact>.txt. The body lands in the artifact
// only when the whole response was read with a 2xx status, so an interrupted
// download never looks complete. A second run with the artifact present does
// not touch the network.
//
// The local artifact path is stored under Into, and whether it was reused
// under Into+"_cached".
type DownloadStage struct {
	Client   *http.Client
	URLKey   string
	Artifact string
	Into     string
}

// Download returns a DownloadStage. If client is nil, http.DefaultClient is used.
func Download(client *http.Client, urlKey, artifact, into string) *DownloadStage {
	return &DownloadStage{Client: client, URLKey: urlKey, Artifact: artifact, Into: into}
}

// Run implements pipeline.Stage.
func (d *DownloadStage) Run(ctx context.Context, state *pipeline.State) pipeline.Result {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	url, err := state.String(d.URLKey)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("download: %w", err))
	}
	gate, err := pipeline.GateFromState(state)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("download: %w", err))
	}
	_, hit, err := gate.Compute(ctx, d.Artifact, func(ctx context.Context, w io.Writer) error {
		return stream(ctx, client, url, "download", func(r io.Reader) error {
			_, err := io.Copy(w, r)
			return err
		})
	})
	if err != nil {
		return pipeline.Failed(err)
	}
	state.Set(d.Into, gate.ArtifactPath(d.Artifact))
	state.Set(d.Into+"_cached", hit)
	return pipeline.Done()
}
