package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"bactrack/apperr"
	"bactrack/auth"
	"bactrack/outbox"
	"bactrack/project"
	"bactrack/stage"
)

// Env is what every actor shares: the services under test and the seeded projects.
type Env struct {
	Engine     *stage.Engine
	Projects   *project.Service
	Relay      *outbox.Relay
	ProjectIDs []string
	Staff      auth.Actor
	Admin      auth.Actor
}

func (e Env) randomProject() string {
	return e.ProjectIDs[rand.Intn(len(e.ProjectIDs))]
}

// Submitter repeatedly submits the first open stage of a random project as staff.
func Submitter(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		projectID := env.randomProject()
		snap, err := env.Engine.Snapshot(ctx, projectID, env.Staff)
		if err == nil {
			if row, ok := firstWithAction(snap, stage.ActionSubmit); ok {
				_, err = env.Engine.Submit(ctx, stage.SubmitParams{
					ProjectID: projectID,
					Stage:     row.Stage,
					Fields:    randomFields("staff"),
					Actor:     env.Staff,
				})
			}
		}
		if err := tolerate(ctx, "submitter", err); err != nil {
			return err
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Reverser unsubmits a random submitted stage as admin, then resubmits it on
// the next pass.
func Reverser(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		projectID := env.randomProject()
		snap, err := env.Engine.Snapshot(ctx, projectID, env.Admin)
		if err == nil {
			action := stage.ActionUnsubmit
			if rand.Intn(2) == 0 {
				action = stage.ActionSubmit
			}
			if row, ok := randomWithAction(snap, action); ok {
				_, err = env.Engine.Submit(ctx, stage.SubmitParams{
					ProjectID: projectID,
					Stage:     row.Stage,
					Fields:    randomFields("admin"),
					Actor:     env.Admin,
				})
			}
		}
		if err := tolerate(ctx, "reverser", err); err != nil {
			return err
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Resubmitter tries to overwrite locked stages as staff. Every attempt that
// reaches the engine must be refused, so its projects must not be handed to a
// Reverser at the same time.
func Resubmitter(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		projectID := env.randomProject()
		snap, err := env.Engine.Snapshot(ctx, projectID, env.Staff)
		if err == nil {
			if row, ok := randomWithAction(snap, stage.ActionFinished); ok {
				_, err = env.Engine.Submit(ctx, stage.SubmitParams{
					ProjectID: projectID,
					Stage:     row.Stage,
					Fields:    randomFields("intruder"),
					Actor:     env.Staff,
				})
				if err == nil {
					return fmt.Errorf("resubmitter: staff overwrote submitted stage %q of %s", row.Stage, projectID)
				}
			}
		}
		if err := tolerate(ctx, "resubmitter", err); err != nil {
			return err
		}
		time.Sleep(time.Duration(30+rand.Intn(30)) * time.Millisecond)
	}
}

// Viewer loads snapshots and checks that row states are consistent with the
// stored submitted flags.
func Viewer(ctx context.Context, env Env, stop <-chan struct{}) error {
	order := env.Engine.Order()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		projectID := env.randomProject()
		actor := env.Staff
		if rand.Intn(2) == 0 {
			actor = env.Admin
		}
		snap, err := env.Engine.Snapshot(ctx, projectID, actor)
		if err == nil {
			if len(snap.Rows) != order.Len() {
				return fmt.Errorf("viewer: %s has %d rows, want %d", projectID, len(snap.Rows), order.Len())
			}
			for i, row := range snap.Rows {
				wantAllowed := i == 0 || snap.Rows[i-1].Submitted
				if row.Allowed != wantAllowed {
					return fmt.Errorf("viewer: %s row %q allowed=%v, want %v", projectID, row.Stage, row.Allowed, wantAllowed)
				}
				if row.Editable != (row.Allowed && (!row.Submitted || actor.IsAdmin)) {
					return fmt.Errorf("viewer: %s row %q editable=%v inconsistent", projectID, row.Stage, row.Editable)
				}
			}
		}
		if err := tolerate(ctx, "viewer", err); err != nil {
			return err
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// HeaderEditor rewrites project headers as admin, competing with stage
// submissions for the project row lock.
func HeaderEditor(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := env.Projects.UpdateHeader(ctx, env.Admin, project.HeaderParams{
			ProjectID: env.randomProject(),
			PRNumber:  fmt.Sprintf("PR-%04d", rand.Intn(10000)),
			Details:   fmt.Sprintf("stress details %d", rand.Int63()),
		})
		if err := tolerate(ctx, "header editor", err); err != nil {
			return err
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

// RelayWorker drains the outbox while the other actors fill it.
func RelayWorker(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := env.Relay.RunOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		// fetch errors come from chaos-terminated connections
		time.Sleep(time.Duration(20+rand.Intn(20)) * time.Millisecond)
	}
}

// DiscardPublisher accepts every message. Publish fails at the given rate so
// the dead-letter path is exercised too.
type DiscardPublisher struct {
	FailEvery int
	n         int
}

func (p *DiscardPublisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	p.n++
	if p.FailEvery > 0 && p.n%p.FailEvery == 0 {
		return errors.New("broker unavailable")
	}
	return nil
}

// tolerate swallows the errors concurrent actors are expected to hit: lost
// races surface as validation or forbidden errors, and chaos surfaces as
// storage failures.
func tolerate(ctx context.Context, who string, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrForbidden),
		errors.Is(err, apperr.ErrStorage):
		return nil
	default:
		return fmt.Errorf("%s: %w", who, err)
	}
}

func firstWithAction(snap stage.Snapshot, action stage.Action) (stage.Row, bool) {
	for _, row := range snap.Rows {
		if row.Action == action {
			return row, true
		}
	}
	return stage.Row{}, false
}

func randomWithAction(snap stage.Snapshot, action stage.Action) (stage.Row, bool) {
	var matches []stage.Row
	for _, row := range snap.Rows {
		if row.Action == action {
			matches = append(matches, row)
		}
	}
	if len(matches) == 0 {
		return stage.Row{}, false
	}
	return matches[rand.Intn(len(matches))], true
}

func randomFields(office string) stage.Fields {
	day := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(rand.Intn(365*24)) * time.Hour)
	return stage.Fields{
		CreatedAt:  day.Format(stage.InputLayout),
		ApprovedAt: day.Add(2 * time.Hour).Format(stage.InputLayout),
		Office:     office,
		Remark:     fmt.Sprintf("remark %d", rand.Intn(1000)),
	}
}
