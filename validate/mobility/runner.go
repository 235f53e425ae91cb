package mobility

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transitdepot.dev/depot/task"
)

const defaultTimeout = 15 * time.Minute

// Runner drives the MobilityData canonical validator in a container.
// Each run gets its own scratch directory so concurrent validations
// never share output paths.
type Runner struct {
	log zerolog.Logger

	// DockerImage is the validator image reference.
	DockerImage string

	// WorkDir is where scratch directories are created.
	WorkDir string

	// When this process itself runs in a container, paths under
	// ContainerPrefix must be rewritten to HostPrefix before they
	// are handed to the docker daemon for bind mounts.
	HostPrefix      string
	ContainerPrefix string

	Timeout time.Duration
}

func NewRunner(image, workDir string, log zerolog.Logger) *Runner {
	return &Runner{
		log:         log,
		DockerImage: image,
		WorkDir:     workDir,
		Timeout:     defaultTimeout,
	}
}

// hostPath translates a local path into what the docker daemon sees.
func (r *Runner) hostPath(p string) string {
	if r.ContainerPrefix != "" && strings.HasPrefix(p, r.ContainerPrefix) {
		return r.HostPrefix + strings.TrimPrefix(p, r.ContainerPrefix)
	}
	return p
}

// RunResult carries the parsed validator output and the paths of the
// raw artifacts.
type RunResult struct {
	Report     *Report
	OutputDir  string
	ReportJSON string
	ReportHTML string
}

// ValidateArchive runs the containerized validator against a GTFS
// zip on disk. Validator crashes surface as errors; a docker daemon
// that cannot be reached is reported retryable.
func (r *Runner) ValidateArchive(ctx context.Context, zipPath string) (*RunResult, error) {
	outDir := filepath.Join(r.WorkDir, "mobility-"+uuid.NewString())
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	absZip, err := filepath.Abs(zipPath)
	if err != nil {
		return nil, fmt.Errorf("resolving input path: %w", err)
	}

	args := []string{
		"run", "--rm",
		"-v", r.hostPath(absZip) + ":/work/input.zip:ro",
		"-v", r.hostPath(outDir) + ":/work/output",
		r.DockerImage,
		"-i", "/work/input.zip",
		"-o", "/work/output",
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stderr = &stderr

	r.log.Info().Str("image", r.DockerImage).Str("input", absZip).
		Str("output", outDir).Msg("running containerized validator")

	start := time.Now()
	runErr := cmd.Run()
	r.log.Info().Dur("duration", time.Since(start)).Err(runErr).
		Msg("containerized validator finished")

	reportPath := filepath.Join(outDir, "report.json")
	if runErr != nil {
		// System errors are written even when the validator exits
		// non-zero; a missing report means the run never started.
		if sysErrs := readSystemErrors(filepath.Join(outDir, "system_errors.json")); sysErrs != "" {
			return nil, fmt.Errorf("validator failed: %s", sysErrs)
		}
		if _, statErr := os.Stat(reportPath); statErr != nil {
			msg := strings.TrimSpace(stderr.String())
			if strings.Contains(msg, "Cannot connect to the Docker daemon") {
				return nil, task.Retryable(fmt.Errorf("docker daemon unavailable: %s", firstLine(msg)))
			}
			return nil, fmt.Errorf("validator did not produce a report: %v: %s", runErr, firstLine(msg))
		}
		// Report exists: the validator found notices and exited
		// non-zero, which is not a failure of the run itself.
	}

	report, err := ParseReportFile(reportPath)
	if err != nil {
		return nil, err
	}
	report.FilterNonGTFSNotices()

	htmlPath := filepath.Join(outDir, "report_branded.html")
	if err := WriteBrandedReport(htmlPath, report); err != nil {
		return nil, err
	}

	return &RunResult{
		Report:     report,
		OutputDir:  outDir,
		ReportJSON: reportPath,
		ReportHTML: htmlPath,
	}, nil
}

// Cleanup removes a run's scratch directory.
func (r *Runner) Cleanup(res *RunResult) {
	if res == nil || res.OutputDir == "" {
		return
	}
	if err := os.RemoveAll(res.OutputDir); err != nil {
		r.log.Warn().Err(err).Str("dir", res.OutputDir).Msg("removing validator output")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
