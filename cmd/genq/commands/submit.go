package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// SubmitCmd queues a job
var SubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: sym.Queue + " Queue a job",
	Long: sym.Queue + ` submit - queue a job for admission.

Priority is 1 (highest) to 3. When omitted it is derived from
--generation (<=10 P1, <=50 P2, otherwise P3), else P2. Requested models
come from --models or from the workflow steps in a job file.

Job files are YAML or JSON (by extension) with the submission fields:

  type: render
  generation_number: 4
  workflow:
    steps:
      - name: base
        model: sdxl
      - name: upscale
        default_model: esrgan
  payload:
    prompt: a lighthouse at dusk

Examples:
  genq submit --type sleep --models sdxl --payload '{"duration":"5s"}'
  genq submit -f job.yaml
  genq submit -f job.json --priority 1`,
	RunE: runSubmit,
}

var (
	submitFile       string
	submitType       string
	submitPriority   int
	submitGeneration int
	submitModels     []string
	submitPayload    string
	submitJSON       bool
)

func init() {
	SubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Job file (YAML or JSON)")
	SubmitCmd.Flags().StringVar(&submitType, "type", "", "Job type")
	SubmitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "Priority 1-3 (1 is highest)")
	SubmitCmd.Flags().IntVar(&submitGeneration, "generation", 0, "Generation number, used to derive priority")
	SubmitCmd.Flags().StringSliceVarP(&submitModels, "models", "m", nil, "Requested models (comma separated)")
	SubmitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload passed to the executor")
	SubmitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print the queued job as JSON")
}

// submissionFile decodes a YAML job file; payload is re-encoded as JSON.
type submissionFile struct {
	queue.Submission `yaml:",inline"`
	Payload          interface{} `yaml:"payload"`
}

// readSubmission parses a job file. Files ending in .json are decoded as
// JSON; everything else as YAML.
func readSubmission(path string) (queue.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return queue.Submission{}, errors.Wrapf(err, "failed to read job file %s", path)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var s queue.Submission
		if err := json.Unmarshal(data, &s); err != nil {
			return queue.Submission{}, errors.Wrapf(err, "failed to parse job file %s", path)
		}
		return s, nil
	}

	var f submissionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return queue.Submission{}, errors.Wrapf(err, "failed to parse job file %s", path)
	}
	s := f.Submission
	if f.Payload != nil {
		raw, err := json.Marshal(f.Payload)
		if err != nil {
			return queue.Submission{}, errors.Wrapf(err, "payload in %s is not JSON-compatible", path)
		}
		s.Payload = raw
	}
	return s, nil
}

// buildSubmission merges the job file (if any) with flags; flags win.
func buildSubmission(cmd *cobra.Command) (queue.Submission, error) {
	var s queue.Submission
	if submitFile != "" {
		var err error
		if s, err = readSubmission(submitFile); err != nil {
			return s, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("type") {
		s.Type = submitType
	}
	if flags.Changed("priority") {
		s.Priority = queue.Priority(submitPriority)
	}
	if flags.Changed("generation") {
		s.GenerationNumber = submitGeneration
	}
	if flags.Changed("models") {
		s.Models = submitModels
	}
	if flags.Changed("payload") {
		s.Payload = json.RawMessage(submitPayload)
	}
	return s, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	s, err := buildSubmission(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	job, err := queue.Submit(ctx, b.store, s, time.Now().UTC())
	if err != nil {
		if errors.Is(err, queue.ErrMaintenance) {
			return errors.WithHint(err, "disable it with: genq maintenance disable")
		}
		return err
	}

	if submitJSON {
		return printJSON(job)
	}
	pterm.Success.Printfln("%s Queued %s job %s (P%d, models: %s)",
		sym.Queue, job.Type, job.ID, job.Priority, strings.Join(job.RequestedModels, ", "))
	return nil
}
