package stages

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
)

const compressionLevel = 6

// Compress writes a gzip copy of the exported model for faster downloads.
type Compress struct {
	env *Env
}

func (c *Compress) Name() string        { return NameCompress }
func (c *Compress) Status() jobs.Status { return jobs.StatusCompressing }

func (c *Compress) Run(ctx context.Context, in Input, r Reporter) (Output, error) {
	if err := begin(ctx, NameCompress, r); err != nil {
		return Output{}, err
	}
	src, serr := requireArtifact(NameCompress, in.Job, jobs.ArtifactModel)
	if serr != nil {
		return Output{}, serr
	}
	srcSize, ok := nonEmptyFile(src)
	if !ok {
		return Output{}, newError(jobs.ErrorKindArtifactMissing, NameCompress, "exported model is missing")
	}
	dst := c.env.Layout.CompressedModelFile(in.Job.ID)

	model, err := os.Open(src)
	if err != nil {
		return Output{}, Classify(NameCompress, err)
	}
	defer model.Close()

	counter := &progressReader{r: &ctxReader{ctx: ctx, r: model}, total: srcSize, report: r.Progress}
	_, err = writeAtomically(dst, func(w io.Writer) (int64, error) {
		zw, err := gzip.NewWriterLevel(w, compressionLevel)
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(zw, counter)
		if err != nil {
			zw.Close()
			return n, err
		}
		return n, zw.Close()
	})
	if err != nil {
		return Output{}, Classify(NameCompress, fmt.Errorf("compressing model: %w", err))
	}

	dstSize, ok := nonEmptyFile(dst)
	if !ok {
		return Output{}, newError(jobs.ErrorKindArtifactMissing, NameCompress, "compressed model was not written")
	}
	logger.ForJob(in.Job.ID).WithFields(map[string]interface{}{
		"original_bytes":   srcSize,
		"compressed_bytes": dstSize,
		"reduction_pct":    fmt.Sprintf("%.1f", (1-float64(dstSize)/float64(srcSize))*100),
	}).Info("model compressed")
	r.Progress(1)
	return Output{Artifacts: map[string]string{jobs.ArtifactModelCompressed: dst}}, nil
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		p.report(belowComplete(float64(p.read) / float64(p.total)))
	}
	return n, err
}
