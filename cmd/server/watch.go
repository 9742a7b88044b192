package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/contact-bulk-upload-api/internal/api"
	"github.com/contact-bulk-upload-api/internal/config"
	"github.com/contact-bulk-upload-api/internal/liveness"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/contact-bulk-upload-api/pkg/logger"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Upload a CSV and follow its progress, or follow an existing upload",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Base URL of the API",
				Value: "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:  "upload",
				Usage: "CSV file to upload before watching",
			},
			&cli.StringFlag{
				Name:  "org",
				Usage: "Organization ID for --upload",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session ID sent with requests",
			},
			&cli.StringFlag{
				Name:  "file-id",
				Usage: "File ID of an upload to follow",
			},
			&cli.StringFlag{
				Name:  "job-id",
				Usage: "Job ID of the upload, used for the status fallback",
			},
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "Liveness check interval",
				Value: time.Second,
			},
		},
		Action: watch,
	}
}

// watchClient follows one upload over the progress socket
type watchClient struct {
	server  *url.URL
	session string
	http    *http.Client
	log     zerolog.Logger
}

type uploadResponse struct {
	FileID  string `json:"fileId"`
	JobID   string `json:"jobId"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func watch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	server, err := url.Parse(cmd.String("server"))
	if err != nil || server.Host == "" {
		return fmt.Errorf("invalid server URL %q", cmd.String("server"))
	}

	client := &watchClient{
		server:  server,
		session: cmd.String("session"),
		http:    &http.Client{Timeout: cfg.Server.WriteTimeout},
		log:     logger.New(config.LogConfig{Level: cfg.Log.Level, Format: "pretty"}),
	}

	fileID, jobID := cmd.String("file-id"), cmd.String("job-id")
	if path := cmd.String("upload"); path != "" {
		if cmd.String("org") == "" {
			return fmt.Errorf("--org is required with --upload")
		}
		accepted, err := client.upload(ctx, path, cmd.String("org"))
		if err != nil {
			return err
		}
		fileID, jobID = accepted.FileID, accepted.JobID
		client.log.Info().Str("file_id", fileID).Str("job_id", jobID).Msg(accepted.Message)
	}
	if fileID == "" {
		return fmt.Errorf("either --upload or --file-id is required")
	}

	final, err := client.follow(ctx, fileID, jobID, liveness.Config{
		WarnAfter: cfg.Liveness.WarnAfter,
		FailAfter: cfg.Liveness.FailAfter,
	}, cmd.Duration("poll"))
	if err != nil {
		return err
	}
	if final.Stage == models.StageFailed {
		return fmt.Errorf("upload failed: %s", final.Message)
	}
	return nil
}

// upload posts a CSV file and returns the accepted job
func (w *watchClient) upload(ctx context.Context, path, organizationID string) (*uploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	endpoint := w.endpoint("http", "/contacts/bulk-upload-advanced")
	endpoint.RawQuery = url.Values{"organizationId": {organizationID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	w.setSession(req.Header)

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	var accepted uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, fmt.Errorf("decode upload response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, accepted.Error)
	}
	return &accepted, nil
}

// follow joins the file's room and reports events until the upload is
// terminal or the liveness monitor gives up. On a local timeout the job
// status is queried once; the local failed verdict stands either way.
func (w *watchClient) follow(ctx context.Context, fileID, jobID string, cfg liveness.Config, poll time.Duration) (models.ProgressEvent, error) {
	header := http.Header{}
	w.setSession(header)

	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}
	conn, _, _, err := dialer.Dial(ctx, w.endpoint("ws", "/contacts/upload-progress/ws").String())
	if err != nil {
		return models.ProgressEvent{}, fmt.Errorf("connect progress socket: %w", err)
	}
	// closing the socket leaves every joined room on the server
	defer conn.Close()

	join, err := json.Marshal(api.ClientMessage{Event: api.EventJoinRoom, FileID: fileID})
	if err != nil {
		return models.ProgressEvent{}, err
	}
	if err := wsutil.WriteClientText(conn, join); err != nil {
		return models.ProgressEvent{}, fmt.Errorf("join upload room: %w", err)
	}

	monitor := liveness.NewMonitor(cfg, time.Now)
	topic := progress.Topic(fileID)

	go func() {
		for {
			data, err := wsutil.ReadServerText(conn)
			if err != nil {
				// silence from here on is left to the liveness monitor
				w.log.Warn().Err(err).Msg("Progress connection lost")
				return
			}
			var msg api.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				w.log.Warn().Err(err).Msg("Unreadable progress message")
				continue
			}
			switch {
			case msg.Event == topic && msg.Data != nil:
				monitor.Observe(*msg.Data)
				w.report(*msg.Data)
			case msg.Event == api.EventError:
				w.log.Warn().Str("error", msg.Error).Msg("Server rejected message")
			}
		}
	}()

	var final models.ProgressEvent
	status := monitor.Run(ctx, poll, liveness.Handler{
		OnWarning: func(silence time.Duration) {
			w.log.Warn().Dur("silence", silence).Msg("No progress received recently")
		},
		OnTimeout: func(view models.ProgressEvent) {
			final = view
			w.log.Error().Str("stage", string(view.Stage)).Msg(view.Message)
		},
	})

	switch status {
	case liveness.StatusTimedOut:
		if jobID == "" {
			jobID = monitor.Last().JobID
		}
		if jobID != "" {
			w.reportServerView(ctx, jobID)
		}
		return final, nil
	case liveness.StatusFinished:
		return monitor.Last(), nil
	default:
		return monitor.Last(), ctx.Err()
	}
}

func (w *watchClient) report(ev models.ProgressEvent) {
	event := w.log.Info()
	if ev.Stage == models.StageFailed {
		event = w.log.Error()
	}

	event.
		Str("stage", string(ev.Stage)).
		Int("percentage", ev.Percentage).
		Int("parsed", ev.ParsedCount).
		Int("valid", ev.ValidRows).
		Int("invalid", ev.InvalidRows).
		Int("duplicates_in_file", ev.DuplicatesInFile).
		Int("duplicates_in_db", ev.DuplicatesInDB).
		Int("inserted", ev.InsertedRows).
		Int("restored", ev.RestoredRows).
		Msg(ev.Message)
}

// reportServerView logs the server's status of a job after a local timeout
func (w *watchClient) reportServerView(ctx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint("http", "/contacts/bulk-upload/"+url.PathEscape(jobID)).String(), nil)
	if err != nil {
		return
	}
	w.setSession(req.Header)

	resp, err := w.http.Do(req)
	if err != nil {
		w.log.Warn().Err(err).Msg("Server status unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.log.Warn().Int("status", resp.StatusCode).Msg("Server status unavailable")
		return
	}

	var job models.ImportJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		w.log.Warn().Err(err).Msg("Server status unreadable")
		return
	}
	w.log.Info().
		Str("stage", string(job.Stage)).
		Int("percentage", job.Percentage).
		Int("inserted", job.Inserted).
		Msg("Server view of the upload")
}

// endpoint resolves path against the server URL, switching to the
// WebSocket scheme for "ws"
func (w *watchClient) endpoint(kind, path string) *url.URL {
	u := *w.server
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	if kind == "ws" {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	return &u
}

func (w *watchClient) setSession(h http.Header) {
	if w.session != "" {
		h.Set(api.SessionHeader, w.session)
	}
}
