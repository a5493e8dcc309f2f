package round

import "context"

// finalize implements §4.3.6's final commit: reads the viewer tally
// snapshot and hands it to Store.FinalizeRound, which performs the score
// update and ESS patch atomically.
func (d *Driver) finalize(ctx context.Context, expectedGeneration int64, roundID string) (bool, error) {
	votesA, votesB, err := d.viewers.RoundTally(ctx, roundID)
	if err != nil {
		return false, err
	}
	if _, err := d.store.FinalizeRound(ctx, expectedGeneration, roundID, votesA, votesB); err != nil {
		return false, err
	}
	return true, nil
}
