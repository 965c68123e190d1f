// Package sync composes the session, folder, fetch, store, and thread
// layers into one end-to-end synchronization pass per account.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/lunamail/syncd/internal/folder"
	"github.com/lunamail/syncd/internal/imap"
	"github.com/lunamail/syncd/internal/models"
	"github.com/lunamail/syncd/internal/registry"
	"github.com/lunamail/syncd/internal/store"
	"github.com/lunamail/syncd/internal/thread"
	"github.com/lunamail/syncd/internal/vault"
)

// Stores hands out one metadata store and one body store per account.
// Satisfied by *store.Manager.
type Stores interface {
	Open(account string) (store.Store, error)
	Bodies(account string) (*store.BodyStore, error)
}

// Orchestrator runs synchronization passes. One instance serves all
// accounts; accounts never share sessions or stores, so passes for
// different accounts run fully in parallel.
//
// The vault key is derived once, before any orchestration starts (key
// derivation is deliberately slow and must stay off the I/O path).
type Orchestrator struct {
	registry registry.Registry
	stores   Stores
	sessions *imap.Sessions
	vault    *vault.Vault
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(reg registry.Registry, stores Stores, sessions *imap.Sessions, v *vault.Vault) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		stores:   stores,
		sessions: sessions,
		vault:    v,
	}
}

// FolderReport is the per-folder outcome of a pass. Err is set when the
// folder's batch was rejected; its watermark did not move.
type FolderReport struct {
	Path          string
	Fetched       int
	ParseFailures int
	Highest       uint32
	Err           error
}

// Report is the outcome of one account pass.
type Report struct {
	Account string
	Folders []FolderReport
	Threads int
}

// Failed reports whether any folder's batch was rejected.
func (r *Report) Failed() bool {
	for _, f := range r.Folders {
		if f.Err != nil {
			return true
		}
	}
	return false
}

// Register verifies a login against the remote server and, on success,
// creates the account with its secret encrypted under the vault key.
func (o *Orchestrator) Register(ctx context.Context, user string, secret models.LoginSecret) error {
	if _, err := o.sessions.Get(user, secret); err != nil {
		return fmt.Errorf("login test for %s failed: %w", user, err)
	}

	ciphertext, err := o.vault.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret for %s: %w", user, err)
	}

	account := &models.Account{User: user, Secret: ciphertext, Folders: make(models.FolderTree)}
	if err := o.registry.Insert(ctx, account); err != nil {
		return err
	}
	return nil
}

// loadSecret finds the account and decrypts its login secret. A decryption
// failure is fatal for the account: we never present a garbled credential
// to the remote server.
func (o *Orchestrator) loadSecret(ctx context.Context, user string) (*models.Account, models.LoginSecret, error) {
	var secret models.LoginSecret

	account, err := o.registry.Find(ctx, user)
	if err != nil {
		return nil, secret, err
	}

	if err := o.vault.Decrypt(account.Secret, &secret); err != nil {
		return nil, secret, fmt.Errorf("cannot load account %s: %w", user, err)
	}

	return account, secret, nil
}

// SyncAccount runs one full pass for the account: list folders, merge the
// tree, delta-fetch every folder deepest-first, rebuild threads over the
// final snapshot, and hand the updated tree to the registry.
//
// A folder whose batch fails keeps its old watermark and is reported by
// name; the rest of the pass continues. Connection and decryption failures
// abort the whole pass with all previously synced data intact.
func (o *Orchestrator) SyncAccount(ctx context.Context, user string) (*Report, error) {
	account, secret, err := o.loadSecret(ctx, user)
	if err != nil {
		return nil, err
	}

	sess, err := o.sessions.Get(user, secret)
	if err != nil {
		return nil, fmt.Errorf("sync pass for %s failed: %w", user, err)
	}

	observed, err := sess.ListFolders()
	if err != nil {
		return nil, fmt.Errorf("sync pass for %s failed: %w", user, err)
	}

	merged := folder.Merge(account.Folders, observed)
	paths := folder.Flatten(merged)

	st, err := o.stores.Open(user)
	if err != nil {
		return nil, err
	}

	report := &Report{Account: user}
	for _, path := range paths {
		node := folder.Find(merged, path)
		if node == nil {
			continue
		}

		// A folder whose batch killed the session must not poison the
		// remaining folders: dial a fresh session and carry on.
		if sess.State() == imap.StateError {
			sess, err = o.sessions.Get(user, secret)
			if err != nil {
				report.Folders = append(report.Folders, FolderReport{
					Path: path.String(),
					Err:  fmt.Errorf("no session for remaining folders: %w", err),
				})
				break
			}
		}

		report.Folders = append(report.Folders, o.syncFolder(ctx, sess, st, path.String(), node))
	}

	threads, err := o.rebuildThreads(ctx, st)
	if err != nil {
		return report, fmt.Errorf("thread pass for %s failed: %w", user, err)
	}
	report.Threads = threads

	// The registry owns persistence; we only supply the tree to persist.
	if err := o.registry.UpdateFolders(ctx, user, merged); err != nil {
		return report, fmt.Errorf("failed to persist folder tree for %s: %w", user, err)
	}

	account.Folders = merged
	return report, nil
}

// syncFolder delta-fetches one folder. Upserts are issued as messages
// arrive and all awaited before the watermark advances; any failure leaves
// the watermark untouched.
func (o *Orchestrator) syncFolder(ctx context.Context, sess *imap.Session, st store.Store, path string, node *models.Folder) FolderReport {
	report := FolderReport{Path: path, Highest: node.Highest}

	mbox, err := sess.OpenFolder(path, true)
	if err != nil {
		report.Err = err
		return report
	}

	// UIDVALIDITY change invalidates every stored key in the folder.
	if node.UIDValidity != 0 && mbox.UidValidity != node.UIDValidity {
		log.Printf("UIDVALIDITY for %s changed (%d -> %d), purging local records", path, node.UIDValidity, mbox.UidValidity)
		if err := st.PurgeFolder(ctx, path); err != nil {
			report.Err = err
			return report
		}
		node.Highest = 0
		report.Highest = 0
	}
	node.UIDValidity = mbox.UidValidity
	node.Total = mbox.Messages
	node.Unseen = mbox.Unseen

	var wg gosync.WaitGroup
	var mu gosync.Mutex
	var upsertErr error

	result, err := imap.FetchNewer(ctx, sess, path, node.Highest, func(uid uint32, env *models.Envelope, attrs imap.RawAttributes) error {
		rec := &models.MessageRecord{
			Key:        models.MessageKey(path, uid),
			Folder:     path,
			UID:        uid,
			Envelope:   *env,
			Flags:      attrs.Flags,
			ServerDate: attrs.InternalDate,
			Size:       attrs.Size,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.UpsertMessage(ctx, rec); err != nil {
				mu.Lock()
				if upsertErr == nil {
					upsertErr = err
				}
				mu.Unlock()
			}
		}()
		return nil
	})

	// Every in-flight upsert completes before the watermark may move.
	wg.Wait()

	if err != nil {
		report.Err = err
		return report
	}
	if upsertErr != nil {
		report.Err = fmt.Errorf("failed to store batch for %s: %w", path, upsertErr)
		return report
	}

	report.Fetched = result.Fetched
	report.ParseFailures = result.ParseFailures
	report.Highest = result.Highest
	node.Highest = result.Highest
	return report
}

// rebuildThreads recomputes the reply forest from scratch over a stable
// snapshot and writes the annotations back. Runs only after every folder
// has finished fetching.
func (o *Orchestrator) rebuildThreads(ctx context.Context, st store.Store) (int, error) {
	snapshot, err := st.ThreadSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	threads := thread.Build(snapshot)
	if err := st.ApplyThreads(ctx, threads); err != nil {
		return 0, err
	}
	return len(threads), nil
}

// SyncAll runs a pass for every registered account, each in its own
// goroutine. Reports come back in registry order; a failed account yields
// a report-less error entry in the log and a nil slot is skipped.
func (o *Orchestrator) SyncAll(ctx context.Context) []*Report {
	accounts, err := o.registry.All(ctx)
	if err != nil {
		log.Printf("Failed to list accounts: %v", err)
		return nil
	}

	reports := make([]*Report, len(accounts))
	var wg gosync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			report, err := o.SyncAccount(ctx, user)
			if err != nil {
				log.Printf("Sync pass for %s failed: %v", user, err)
			}
			reports[i] = report
		}(i, account.User)
	}
	wg.Wait()

	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// watchRetryDelay is the pause before re-dialing a dead watcher session.
const watchRetryDelay = 10 * time.Second

// Watch keeps a dedicated session idling on the account's primary inbox
// and runs a full sync pass on every server notification. A dead watcher
// session is re-dialed after a short delay; Watch returns only when ctx
// is canceled or the account's secret cannot be decrypted.
func (o *Orchestrator) Watch(ctx context.Context, user string, fallback time.Duration) error {
	for {
		err := o.watchOnce(ctx, user, fallback)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, vault.ErrDecryption) || errors.Is(err, registry.ErrAccountNotFound) {
			return err
		}
		log.Printf("Watcher for %s stopped: %v; restarting in %s", user, err, watchRetryDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(watchRetryDelay):
		}
	}
}

func (o *Orchestrator) watchOnce(ctx context.Context, user string, fallback time.Duration) error {
	account, secret, err := o.loadSecret(ctx, user)
	if err != nil {
		return err
	}

	sess, err := o.sessions.Dedicated(user, secret)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	inbox, ok := folder.DefaultInbox(account.Folders)
	if !ok {
		observed, err := sess.ListFolders()
		if err != nil {
			return err
		}
		if inbox, ok = folder.DefaultInbox(observed); !ok {
			return fmt.Errorf("account %s has no inbox to watch", user)
		}
	}

	return sess.Watch(ctx, inbox, fallback, func() {
		if report, err := o.SyncAccount(ctx, user); err != nil {
			log.Printf("Triggered sync for %s failed: %v", user, err)
		} else if report.Failed() {
			log.Printf("Triggered sync for %s completed with folder errors", user)
		}
	})
}

// FetchBody loads one message's full body on demand, stores the blob, and
// marks the record retrieved. Returns the raw message.
func (o *Orchestrator) FetchBody(ctx context.Context, user, folderPath string, uid uint32) ([]byte, error) {
	_, secret, err := o.loadSecret(ctx, user)
	if err != nil {
		return nil, err
	}

	sess, err := o.sessions.Get(user, secret)
	if err != nil {
		return nil, err
	}

	full, err := imap.FetchOne(sess, folderPath, uid)
	if err != nil {
		return nil, err
	}

	bodies, err := o.stores.Bodies(user)
	if err != nil {
		return nil, err
	}

	key := models.MessageKey(folderPath, uid)
	if err := bodies.StoreBody(key, full.Raw); err != nil {
		return nil, err
	}

	st, err := o.stores.Open(user)
	if err != nil {
		return nil, err
	}
	if err := st.UpdateFields(ctx, key, store.Fields{"retrieved": true}); err != nil && !errors.Is(err, store.ErrMessageNotFound) {
		return nil, err
	}

	return full.Raw, nil
}
