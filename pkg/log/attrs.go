package log

import "log/slog"

func JobID(id string) slog.Attr {
	return slog.String("job_id", id)
}

func RunID(id string) slog.Attr {
	return slog.String("run_id", id)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
