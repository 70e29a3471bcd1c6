package orchestrate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilnworks/kiln/internal/notify"
	"github.com/kilnworks/kiln/internal/roles"
	"github.com/kilnworks/kiln/pkg/models"
)

// pipeline runs one task to a terminal state: generate, review (with
// bounded patch rounds), verify, and on verifier failure the fix
// engine. The returned error is reserved for conditions that must stop
// the whole wave: cancellation, transport failures, an operator pause.
// Ordinary task failure lands in the node's status instead.
func (r *run) pipeline(ctx context.Context, node *models.TaskNode) error {
	o := r.o
	ctx, span := tracer.Start(ctx, "kiln.task", trace.WithAttributes(
		attribute.Int("task.id", node.ID),
		attribute.String("task.file", node.File),
	))
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.String("task.status", string(node.Status)))
	}()

	node.Status = models.TaskInProgress
	log.Info().Int("task", node.ID).Str("file", node.File).Msg("Task started")

	deps := r.depFiles(node)
	content, err := o.roles.Coder.Generate(ctx, node.PlanTask, deps, r.class, o.tokenFn(models.RoleCoder))
	if err != nil {
		return fmt.Errorf("generate %s: %w", node.File, err)
	}
	if err := r.write(node.File, content); err != nil {
		return err
	}
	node.Status = models.TaskGenerated
	o.emit(ctx, notify.NewEvent(notify.EventTaskGenerated, r.id, node.ID,
		"generated "+node.File, map[string]any{"bytes": len(content)}))

	if err := r.review(ctx, node); err != nil {
		return err
	}
	node.Status = models.TaskReviewed

	res := o.verifier.File(ctx, node.File)
	if res.Passed {
		node.Status = models.TaskVerified
		o.emit(ctx, notify.NewEvent(notify.EventTaskVerified, r.id, node.ID,
			"verified "+node.File, nil))
		log.Info().Int("task", node.ID).Str("file", node.File).Msg("Task verified")
		return nil
	}
	log.Warn().Err(res.Err()).Int("task", node.ID).Msg("Verification failed, entering fix loop")
	return r.fix(ctx, node, res)
}

// review runs the bounded review loop. Each rejecting verdict feeds
// the coder a patch round; an approving verdict (or exhausting the
// rounds) hands the file to the verifier as-is.
func (r *run) review(ctx context.Context, node *models.TaskNode) error {
	o := r.o
	for round := 1; round <= models.MaxReviewRounds; round++ {
		node.Status = models.TaskReviewing
		verdict, err := o.roles.Reviewer.Review(ctx, node.File, r.class)
		if err != nil {
			return fmt.Errorf("review %s: %w", node.File, err)
		}
		o.emit(ctx, notify.NewEvent(notify.EventTaskReviewed, r.id, node.ID,
			fmt.Sprintf("reviewed %s (round %d): %s", node.File, round, reviewOutcome(verdict)),
			map[string]any{"approved": verdict.Approved, "issues": len(verdict.Issues)}))
		if verdict.Approved {
			return nil
		}

		feedback := roles.Feedback(verdict)
		node.LastReview = feedback
		log.Info().
			Int("task", node.ID).
			Str("file", node.File).
			Int("issues", len(verdict.Issues)).
			Msg("Review found issues, patching")

		patched, err := o.roles.Coder.Patch(ctx, roles.PatchRequest{
			File:           node.File,
			Error:          "Reviewer found issues before execution",
			ReviewFeedback: feedback,
		}, r.class, o.tokenFn(models.RoleCoder))
		if err != nil {
			return fmt.Errorf("review patch %s: %w", node.File, err)
		}
		if err := r.write(node.File, patched); err != nil {
			return err
		}
	}
	return nil
}

func reviewOutcome(v models.ReviewVerdict) string {
	if v.Approved {
		return "approved"
	}
	return fmt.Sprintf("%d issues", len(v.Issues))
}
