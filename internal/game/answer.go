package game

// submit validates and scores one answer. Every rejection leaves the room
// untouched.
func (r *Room) submit(connID string, questionID, option int) (AnswerResult, error) {
	if r.State() != StatePlaying {
		return AnswerResult{}, ErrNotPlaying
	}
	p := r.player(connID)
	if p == nil || p.Departed {
		return AnswerResult{}, ErrRoomNotFound
	}
	q := r.currentQuestion()
	if q.ID != questionID {
		return AnswerResult{}, ErrStaleSubmission
	}
	if p.Answered {
		return AnswerResult{}, ErrAlreadyAnswered
	}
	if !q.ValidIndex(option) {
		return AnswerResult{}, ErrBadOption
	}

	correct := q.Check(option)
	if correct {
		p.Score++
	}
	p.Answered = true

	res := AnswerResult{
		QuestionID:    q.ID,
		Correct:       correct,
		CorrectAnswer: q.Answer(),
		CorrectIndex:  q.CorrectIndex,
		OwnScore:      p.Score,
	}
	r.send(p, Event{Type: EventAnswerResult, Data: res})
	r.broadcast(Event{Type: EventScoreUpdate, Data: ScoreUpdate{Players: r.scores()}})
	r.svc.observe(r.snapshot())

	r.logger.Debug("answer accepted",
		"user_id", p.UserID,
		"question_id", q.ID,
		"correct", correct,
		"score", p.Score)

	if r.allAnswered() {
		from := r.current
		if r.cfg.AdvanceDelay > 0 {
			r.advanceTimer = r.after(r.cfg.AdvanceDelay, func() { r.advance(from) })
		} else {
			r.advance(from)
		}
	}
	return res, nil
}
