package sprint

import (
	"context"
	"fmt"
	"math"
	"sort"

	"writebot/internal/notifier"
	"writebot/internal/storage"
	"writebot/internal/task"
	"writebot/internal/xp"
)

type result struct {
	user      int64
	words     int64
	wpm       float64
	wpmRecord bool
	xp        int64
}

// Complete scores the sprint and posts the ranked results.
//
// The completed stamp is the idempotency guard: it is written before
// any scoring so a retried completion (double task fire, redelivered
// notification) never awards XP twice. A participant scores only if
// they logged words: a declared (or fallback current) count above zero
// that differs from their starting count.
func (m *Manager) Complete(ctx context.Context, sp storage.Sprint) error {
	fresh, err := m.store.SprintByID(ctx, sp.ID)
	if err != nil {
		return err
	}
	if fresh.IsComplete() {
		return nil
	}

	now := m.clock.Now().Unix()
	if err := m.store.MarkSprintCompleted(ctx, sp.ID, now); err != nil {
		return err
	}
	if err := m.store.CancelTasks(ctx, task.TargetSprint, sp.ID); err != nil {
		return err
	}

	participants, err := m.store.SprintParticipants(ctx, sp.ID)
	if err != nil {
		return err
	}

	var results []result
	for _, p := range participants {
		ending := p.EndingWords
		if ending == 0 {
			ending = p.CurrentWords
		}
		if ending <= 0 || ending == p.StartingWords {
			continue
		}

		words := ending - p.StartingWords
		seconds := fresh.EndReference - p.JoinedAt
		if p.JoinedAt <= 0 || fresh.EndReference == 0 {
			seconds = int64(fresh.Length) * 60
		}
		wpm := calculateWPM(words, seconds)

		best, has, err := m.store.UserRecord(ctx, p.User, fresh.Guild, recordWPM)
		if err != nil {
			return err
		}
		isRecord := !has || wpm > best
		if isRecord {
			if err := m.store.UpdateUserRecord(ctx, p.User, fresh.Guild, recordWPM, wpm); err != nil {
				return err
			}
		}

		if _, err := m.store.AddUserXP(ctx, p.User, fresh.Guild, xp.CompleteSprint); err != nil {
			return err
		}
		for _, stat := range []struct {
			name  string
			delta int64
		}{
			{statCompleted, 1},
			{statSprintWords, words},
			{statTotalWords, words},
		} {
			if err := m.store.AddUserStat(ctx, p.User, fresh.Guild, stat.name, stat.delta); err != nil {
				return err
			}
		}

		// Sprinted words count towards the daily goal; crossing the
		// target pays its bonus exactly once per period.
		goalDone, err := m.store.AddGoalProgress(ctx, p.User, goalTypeDaily, words)
		if err != nil {
			return err
		}
		if goalDone {
			if _, err := m.store.AddUserXP(ctx, p.User, fresh.Guild, xp.CompleteGoal); err != nil {
				return err
			}
		}

		results = append(results, result{user: p.User, words: words, wpm: wpm, wpmRecord: isRecord, xp: xp.CompleteSprint})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].words > results[j].words })

	for i := range results {
		rank := i + 1
		if rank <= topRanksRewarded && len(results) > 1 {
			bonus := xp.WinBonus(rank)
			results[i].xp += bonus
			if _, err := m.store.AddUserXP(ctx, results[i].user, fresh.Guild, bonus); err != nil {
				return err
			}
		}
		if rank == 1 {
			if err := m.store.AddUserStat(ctx, results[i].user, fresh.Guild, statWon, 1); err != nil {
				return err
			}
		}
	}

	return m.notify.Send(ctx, fresh.Channel, m.resultsPayload(results))
}

func (m *Manager) resultsPayload(results []result) notifier.Payload {
	if len(results) == 0 {
		return notifier.Payload{Text: "The sprint is over, but nobody logged any words. Better luck next time!"}
	}
	rows := make([]string, 0, len(results))
	for i, r := range results {
		row := fmt.Sprintf("%d. %s - %d words (%.1f wpm, +%d xp)", i+1, mention(r.user), r.words, r.wpm, r.xp)
		if r.wpmRecord {
			row += " - NEW PB!"
		}
		rows = append(rows, row)
	}
	return notifier.Payload{
		Text:  "The results are in!",
		Embed: &notifier.Embed{Title: "Sprint results", Rows: rows},
	}
}

// calculateWPM rounds to one decimal place, matching the stored
// personal bests.
func calculateWPM(words, seconds int64) float64 {
	if seconds <= 0 {
		return 0
	}
	mins := float64(seconds) / 60
	return math.Round(float64(words)/mins*10) / 10
}
