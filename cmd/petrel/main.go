package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"petrel/internal/addressbook"
	"petrel/internal/blobstorage"
	"petrel/internal/cache"
	"petrel/internal/conf"
	"petrel/internal/imap"
	"petrel/internal/index"
	"petrel/internal/manager"
	"petrel/internal/oauth"
	"petrel/internal/smtp"
	"petrel/internal/status"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	cacheDir := flag.String("cache", "", "Override cache directory")
	exportDir := flag.String("export", "", "Export cached messages to directory and exit")
	changePass := flag.Bool("change-pass", false, "Re-encrypt cache with a new passphrase and exit")
	flag.Parse()

	log.Println("Starting petrel mail core...")

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	if *cacheDir != "" {
		cfg.Cache.Dir = *cacheDir
	}

	pass := ""
	if cfg.Cache.Encrypt {
		pass = readPass("Cache passphrase: ")
	}

	scratch := filepath.Join(os.TempDir(), fmt.Sprintf("petrel-%d", os.Getpid()))
	store, err := cache.NewStore(cfg.Cache.Dir, filepath.Join(scratch, "cache"), pass, cfg.Cache.Encrypt)
	if err != nil {
		log.Fatal("Failed to open cache: ", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing cache: %v", err)
		}
	}()

	if *changePass {
		newPass := readPass("New cache passphrase: ")
		if readPass("Confirm new passphrase: ") != newPass {
			log.Fatal("Passphrases do not match")
		}
		if err := store.ChangePass(pass, newPass); err != nil {
			log.Fatal("Failed to change passphrase: ", err)
		}
		log.Println("Cache passphrase changed")
		return
	}

	if *exportDir != "" {
		runExport(cfg, store, *exportDir)
		return
	}

	provider := oauth.NewProvider(cfg.OAuth, pass, cfg.Cache.Encrypt)

	indexer := index.NewIndexer(store, filepath.Join(cfg.Cache.Dir, "index"),
		filepath.Join(scratch, "index"), pass, cfg.Cache.IndexEncrypt)
	indexer.SetStatusHandler(func(update status.Update) {
		log.Printf("indexer: %s", update)
	})
	if err := indexer.Start(); err != nil {
		log.Fatal("Failed to start indexer: ", err)
	}

	book, err := addressbook.NewBook(filepath.Join(cfg.Cache.Dir, "addresses.db"))
	if err != nil {
		log.Fatal("Failed to open address book: ", err)
	}
	book.Consume(indexer.Addresses())

	session := imap.NewSession(cfg.Account, cfg.FoldersExclude, provider, store, indexer)
	sender := smtp.NewSender(cfg.Account, provider)

	mgr := manager.NewManager(session, store, indexer, provider, cfg, manager.Handlers{
		Response: func(resp manager.Response) {
			source := "server"
			if resp.Cached {
				source = "cache"
			}
			log.Printf("response (%s): folder=%s folders=%d uids=%d headers=%d",
				source, resp.Folder, len(resp.Folders), len(resp.Uids), len(resp.Headers))
		},
		Search: func(resp manager.SearchResponse) {
			log.Printf("search %q: %d results (more=%v)",
				resp.Query.Query, len(resp.Results), resp.HasMore)
		},
		Status: func(update status.Update) {
			log.Printf("status: %s", update)
		},
	})
	mgr.SetSender(sender)
	mgr.Start()

	// Initial sync: folder list, then the inbox.
	mgr.AsyncRequest(manager.Request{GetFolders: true})
	mgr.AsyncRequest(manager.Request{Folder: "INBOX", GetUids: true})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	mgr.Stop()
	indexer.Stop()
	if err := book.Close(); err != nil {
		log.Printf("Error closing address book: %v", err)
	}
}

// runExport dumps cached bodies to disk and, when blob storage is
// configured, uploads the dump. Upload failures fall back to local-only.
func runExport(cfg *conf.Config, store *cache.Store, dir string) {
	n, err := store.Export(dir)
	if err != nil {
		log.Fatal("Failed to export: ", err)
	}
	log.Printf("Exported %d messages to %s", n, dir)

	if !cfg.BlobStorage.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	client, err := blobstorage.NewClient(ctx, cfg.BlobStorage)
	if err != nil {
		log.Printf("Warning: blob storage unavailable: %v", err)
		log.Println("Export kept local only")
		return
	}

	prefix := fmt.Sprintf("petrel-export-%s", time.Now().Format("2006-01-02"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatal("Failed to read export directory: ", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		err := client.UploadDir(ctx, filepath.Join(dir, entry.Name()), prefix+"/"+entry.Name())
		if err != nil {
			log.Printf("Warning: failed to upload %s: %v", entry.Name(), err)
			log.Println("Export kept local only")
			return
		}
	}
	log.Printf("Export uploaded to bucket %q under %s", cfg.BlobStorage.Bucket, prefix)
}

func readPass(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatal("Failed to read passphrase: ", err)
	}
	return string(data)
}
