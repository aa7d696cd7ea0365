/*
Package keyfile implements the finish command of the proxy process.

Other processes, e.g. a launcher, ask a running proxy to finish by
creating an empty key file in a shared system commands folder:

	<folder>/.command.<port>.finish

The proxy detects the file, shuts down gracefully and removes the file
only after it finished, so that the requesting process can wait for the
file to disappear.
*/
package keyfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pyramidproxy/pyramidproxy/logging"
)

const (
	// DefaultFolder is the default system commands folder.
	DefaultFolder = ".system.commands"

	// FinishCommand is the name of the command stopping the proxy.
	FinishCommand = "finish"
)

// ErrClosed is returned by Wait when the watcher was closed.
var ErrClosed = errors.New("key file watcher closed")

// Path returns the key file of a command addressed to the proxy
// listening on port.
func Path(folder string, port int, command string) string {
	return filepath.Join(folder, fmt.Sprintf(".command.%d.%s", port, command))
}

type Options struct {

	// Folder is the system commands folder. Created when it doesn't
	// exist.
	Folder string

	// Port identifies the proxy instance.
	Port int

	Log logging.Logger
}

// Watcher waits for the finish key file of a proxy instance.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     logging.Logger
	quit    chan struct{}
	once    sync.Once
}

// New creates a watcher for the finish key file and starts watching
// the folder.
func New(o Options) (*Watcher, error) {
	if o.Folder == "" {
		return nil, errors.New("system commands folder not set")
	}

	if o.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", o.Port)
	}

	if err := os.MkdirAll(o.Folder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create system commands folder: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fw.Add(o.Folder); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", o.Folder, err)
	}

	return &Watcher{
		path:    filepath.Clean(Path(o.Folder, o.Port, FinishCommand)),
		watcher: fw,
		log:     logging.OrDefault(o.Log),
		quit:    make(chan struct{}),
	}, nil
}

// File returns the path of the watched key file.
func (w *Watcher) File() string {
	return w.path
}

func (w *Watcher) exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

func (w *Watcher) matches(e fsnotify.Event) bool {
	return filepath.Clean(e.Name) == w.path && e.Has(fsnotify.Create|fsnotify.Write)
}

// Wait blocks until the key file exists. It returns the context error
// when the context is done, and ErrClosed when the watcher was closed.
// A key file left from before the watcher was started is detected, too.
func (w *Watcher) Wait(ctx context.Context) error {
	if w.exists() {
		w.log.Infof("finish key file found: %s", w.path)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.quit:
			return ErrClosed
		case e, ok := <-w.watcher.Events:
			if !ok {
				return ErrClosed
			}

			if w.matches(e) {
				w.log.Infof("finish key file created: %s", w.path)
				return nil
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return ErrClosed
			}

			// events may have been dropped
			w.log.Warnf("error while watching the system commands folder: %v", err)
			if w.exists() {
				return nil
			}
		}
	}
}

// Remove deletes the key file, signaling that the command finished.
func (w *Watcher) Remove() error {
	err := os.Remove(w.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// Close stops watching. Pending Wait calls return ErrClosed.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.quit)
		err = w.watcher.Close()
	})

	return err
}
