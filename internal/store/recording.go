package store

import "database/sql"

// CreateRecording inserts a recording row and sets r.ID.
func (db *DB) CreateRecording(r *Recording) error {
	res, err := db.Exec(`
		INSERT INTO recordings (path, duration_ms, transcript, transcript_confidence, transcript_lang)
		VALUES (?, ?, ?, ?, ?)`,
		r.Path, r.DurationMS, r.Transcript, r.TranscriptConfidence, r.TranscriptLang)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetRecording returns a recording by id, or nil if absent.
func (db *DB) GetRecording(id int64) (*Recording, error) {
	var r Recording
	err := db.QueryRow(`
		SELECT id, path, duration_ms, transcript, transcript_confidence, transcript_lang
		FROM recordings WHERE id = ?`, id).
		Scan(&r.ID, &r.Path, &r.DurationMS, &r.Transcript, &r.TranscriptConfidence, &r.TranscriptLang)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetTranscript stores transcription enrichment on a recording.
func (db *DB) SetTranscript(id int64, text string, confidence float64, lang string) error {
	_, err := db.Exec(`
		UPDATE recordings SET transcript = ?, transcript_confidence = ?, transcript_lang = ?
		WHERE id = ?`,
		text, confidence, lang, id)
	return err
}
