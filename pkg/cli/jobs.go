package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/docuvault/docuvault/pkg/repository"
	"github.com/docuvault/docuvault/pkg/scheduler"
)

func newProcessCommand() *Command {
	cmd := &Command{
		Name:        "process",
		Description: "Enqueue a processing job for a document",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("process", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Document id")
		jobType := flags.String("type", "", "Job type")
		priority := flags.Int("priority", scheduler.DefaultPriority, "Priority 0-10")
		maxRetries := flags.Int("max-retries", scheduler.DefaultMaxRetries, "Retry budget")
		webhookURL := flags.String("webhook", "", "Webhook target URL")
		webhookSecret := flags.String("webhook-secret", "", "Webhook HMAC secret")
		configPairs := flags.String("config", "", "Comma separated key=value job config")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runProcess(*as, *id, *jobType, *priority, *maxRetries, *webhookURL, *webhookSecret, *configPairs)
	}
	return cmd
}

func runProcess(as, id, jobType string, priority, maxRetries int, webhookURL, webhookSecret, configPairs string) error {
	principal, err := principalFrom(as)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("--id is required")
	}
	if jobType == "" {
		return fmt.Errorf("--type is required")
	}

	jobConfig, err := parsePairs(configPairs)
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	job, err := eng.repo.EnqueueProcessing(ctx, principal, id, repository.ProcessingRequest{
		JobType:       scheduler.JobType(jobType),
		Priority:      &priority,
		MaxRetries:    &maxRetries,
		Config:        jobConfig,
		WebhookURL:    webhookURL,
		WebhookSecret: webhookSecret,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued %s job %s (priority %d)\n", job.JobType, job.ID, job.Priority)
	return nil
}

func newJobCommand() *Command {
	cmd := &Command{
		Name:        "job",
		Description: "Inspect or cancel a processing job",
	}
	cmd.Run = func(args []string) error {
		flags := flag.NewFlagSet("job", flag.ExitOnError)
		as := flags.String("as", "", "Acting principal")
		id := flags.String("id", "", "Job id")
		cancel := flags.Bool("cancel", false, "Cancel the job instead of showing it")
		if err := flags.Parse(args); err != nil {
			return err
		}
		return runJob(*as, *id, *cancel)
	}
	return cmd
}

func runJob(as, id string, cancel bool) error {
	principal, err := principalFrom(as)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("--id is required")
	}

	ctx := context.Background()
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if cancel {
		if err := eng.repo.CancelProcessing(ctx, principal, id); err != nil {
			return err
		}
		fmt.Printf("Cancelled job %s\n", id)
		return nil
	}

	job, err := eng.repo.JobStatus(ctx, principal, id)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(job)
}

func parsePairs(value string) (map[string]string, error) {
	if value == "" {
		return nil, nil
	}
	pairs := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid config pair %q: expected key=value", part)
		}
		pairs[kv[0]] = kv[1]
	}
	return pairs, nil
}
