// saveflow-cli submits one save request to the office save service and tracks
// the job to a terminal state. Useful for poking a deployment without an
// add-in host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yungbote/officebridge-backend/internal/auth"
	"github.com/yungbote/officebridge-backend/internal/clients/saveapi"
	"github.com/yungbote/officebridge-backend/internal/domain"
	"github.com/yungbote/officebridge-backend/internal/host"
	"github.com/yungbote/officebridge-backend/internal/platform/envutil"
	"github.com/yungbote/officebridge-backend/internal/platform/logger"
	"github.com/yungbote/officebridge-backend/internal/saveflow"
	"github.com/yungbote/officebridge-backend/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "saveflow-cli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		source      = flag.String("source", "Document", "source kind: OutlookEmail, EmailAttachment, Document")
		itemID      = flag.String("item", "", "email item id (email sources)")
		includeBody = flag.Bool("body", false, "include the email body")
		attachments = flag.String("attachments", "", "comma-separated attachment ids")
		docLocator  = flag.String("doc", "", "document locator (Document source)")
		entityType  = flag.String("entity-type", "", "association entity type (optional)")
		entityID    = flag.String("entity-id", "", "association entity id (optional)")
		summary     = flag.Bool("summary", false, "request a profile summary")
		index       = flag.Bool("index", true, "request content indexing")
		deep        = flag.Bool("deep", false, "request deep analysis")
	)
	flag.Parse()

	log, err := logger.New(envutil.String("OB_ENV", "dev"))
	if err != nil {
		return err
	}
	defer log.Sync()

	token := strings.TrimSpace(os.Getenv("OB_ACCESS_TOKEN"))
	if token == "" {
		return fmt.Errorf("missing OB_ACCESS_TOKEN")
	}
	tokens := auth.Static{Value: token}

	api, err := saveapi.New(saveapi.Options{
		BaseURL: envutil.String("OB_SAVE_API_URL", "http://localhost:8080"),
		Tokens:  tokens,
		Log:     log,
		Timeout: envutil.Duration("OB_HTTP_TIMEOUT", 30*time.Second),
	})
	if err != nil {
		return err
	}

	store := sessionStore(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	flow, err := saveflow.NewFlow(saveflow.FlowOptions{
		API:             api,
		Tokens:          tokens,
		Log:             log,
		PollInterval:    envutil.Duration("OB_POLL_INTERVAL", 2*time.Second),
		PollMaxFailures: envutil.Int("OB_POLL_MAX_FAILURES", 3),
		Callbacks: saveflow.FlowCallbacks{
			OnStateChange: func(s domain.FlowState) {
				log.Info("flow state", "state", string(s))
			},
			OnStatus: func(js domain.JobStatus) {
				for _, st := range js.Stages {
					if st.State == domain.StageRunning {
						log.Info("job progress", "job_id", js.JobID, "stage", string(st.Name))
					}
				}
			},
			OnComplete: func(doc domain.DocumentRef) {
				log.Info("saved", "document_id", doc.ID, "web_url", doc.WebURL)
				done <- nil
			},
			OnDuplicate: func(doc domain.DocumentRef) {
				log.Info("already saved", "document_id", doc.ID)
				done <- nil
			},
			OnError: func(msg domain.ErrorMessage) {
				done <- fmt.Errorf("%s: %s", msg.Title, msg.Message)
			},
		},
	})
	if err != nil {
		return err
	}

	if err := flow.SetProcessingOptions(domain.ProcessingOptions{
		ProfileSummary: *summary,
		IndexContent:   *index,
		DeepAnalysis:   *deep,
	}); err != nil {
		return err
	}

	assoc := associationFrom(ctx, store, *entityType, *entityID)
	if err := flow.SetAssociation(assoc); err != nil {
		return err
	}

	sc, err := saveContext(ctx, hostAdapter(*itemID, *attachments), domain.SourceKind(*source), *includeBody, *docLocator)
	if err != nil {
		return err
	}

	if err := flow.StartSave(ctx, sc); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		flow.Reset()
		return ctx.Err()
	case err := <-done:
		if err == nil && assoc != nil {
			if serr := session.SaveLastAssociation(ctx, store, assoc); serr != nil {
				log.Warn("could not remember association", "error", serr)
			}
		}
		return err
	}
}

// hostAdapter shapes the flag input as a host surface, the same contract an
// add-in pane satisfies.
func hostAdapter(itemID string, attachments string) host.Adapter {
	f := &host.Fixed{
		Item: host.ItemInfo{ItemID: strings.TrimSpace(itemID)},
		Caps: host.Capabilities{HasItemBody: true, HasDocumentPath: true},
	}
	if ids := strings.TrimSpace(attachments); ids != "" {
		f.Caps.HasAttachments = true
		for _, id := range strings.Split(ids, ",") {
			f.Files = append(f.Files, host.AttachmentInfo{ID: strings.TrimSpace(id)})
		}
	}
	return f
}

func saveContext(ctx context.Context, adapter host.Adapter, source domain.SourceKind, includeBody bool, docLocator string) (saveflow.SaveContext, error) {
	sc := saveflow.SaveContext{Source: source, DocumentLocator: docLocator}

	if source == domain.SourceDocument {
		return sc, nil
	}

	item, err := adapter.CurrentItem(ctx)
	if err != nil {
		return saveflow.SaveContext{}, err
	}
	sc.ItemID = item.ItemID
	sc.IncludeBody = includeBody

	if adapter.Capabilities().HasAttachments {
		files, err := adapter.Attachments(ctx)
		if err != nil {
			return saveflow.SaveContext{}, err
		}
		for _, f := range files {
			sc.AttachmentIDs = append(sc.AttachmentIDs, f.ID)
		}
	}
	return sc, nil
}

func sessionStore(log *logger.Logger) session.Store {
	if envutil.String("OB_REDIS_ADDR", "") == "" {
		return session.NewMemory()
	}
	store, err := session.NewRedis(log, envutil.String("OB_USER_ID", "local"))
	if err != nil {
		log.Warn("redis session store unavailable, using memory", "error", err)
		return session.NewMemory()
	}
	return store
}

// associationFrom prefers explicit flags, then the remembered association.
// Nothing at all is fine: association-less saves are accepted.
func associationFrom(ctx context.Context, store session.Store, entityType string, entityID string) *domain.AssociationRef {
	if strings.TrimSpace(entityType) != "" && strings.TrimSpace(entityID) != "" {
		return &domain.AssociationRef{EntityType: entityType, EntityID: entityID}
	}
	if a, ok, err := session.LastAssociation(ctx, store); err == nil && ok {
		return a
	}
	return nil
}
