package bdd

import (
	"context"
	"fmt"

	"github.com/chirino/messaging-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		st := &storeSteps{s: s}
		ctx.Step(`^conversation "([^"]*)" should have (\d+) stored messages?$`, st.conversationShouldHaveStoredMessages)
		ctx.Step(`^the media store should hold (\d+) blobs?$`, st.theMediaStoreShouldHoldBlobs)
	})
}

type storeSteps struct {
	s *cucumber.TestScenario
}

func (st *storeSteps) conversationShouldHaveStoredMessages(conversationID string, expected int64) error {
	if st.s.Suite.DB == nil {
		return godog.ErrPending
	}
	id, err := st.s.Expand(conversationID)
	if err != nil {
		return err
	}
	n, err := st.s.Suite.DB.CountMessages(context.Background(), id)
	if err != nil {
		return err
	}
	if n != expected {
		return fmt.Errorf("expected %d stored messages in %s, found %d", expected, id, n)
	}
	return nil
}

func (st *storeSteps) theMediaStoreShouldHoldBlobs(expected int64) error {
	if st.s.Suite.DB == nil {
		return godog.ErrPending
	}
	n, err := st.s.Suite.DB.CountMedia(context.Background())
	if err != nil {
		return err
	}
	if n < 0 {
		return nil
	}
	if n != expected {
		return fmt.Errorf("expected %d media blobs, found %d", expected, n)
	}
	return nil
}
