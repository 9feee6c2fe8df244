package fetch

import (
	"context"
	goio "io"
	"net/url"
	"sync"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
	irodsfs_common_irods "github.com/cyverse/irodsfs-common/irods"
	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	irodsReadBlockSize int = 64 * 1024
)

// IRODSClientFactory creates a connected iRODS client
type IRODSClientFactory func() (irodsfs_common_irods.IRODSFSClient, error)

// NewIRODSClientFactory returns a factory connecting with the given source config
func NewIRODSClientFactory(config *commons.IRODSSourceConfig, applicationName string) IRODSClientFactory {
	return func() (irodsfs_common_irods.IRODSFSClient, error) {
		account := &irodsclient_types.IRODSAccount{
			AuthenticationScheme: irodsclient_types.AuthSchemeNative,
			Host:                 config.Host,
			Port:                 config.Port,
			ClientUser:           config.ClientUser,
			ClientZone:           config.Zone,
			ProxyUser:            config.ProxyUser,
			ProxyZone:            config.Zone,
			Password:             config.Password,
			DefaultResource:      config.DefaultResource,
		}

		if len(account.ClientUser) == 0 {
			account.ClientUser = config.ProxyUser
		}

		irodsConfig := irodsclient_fs.NewFileSystemConfigWithDefault(applicationName)

		client, err := irodsfs_common_irods.NewIRODSFSClientDirect(account, irodsConfig)
		if err != nil {
			return nil, xerrors.Errorf("failed to create irods client for %s:%d: %w", config.Host, config.Port, err)
		}
		return client, nil
	}
}

// IRODSHandler reads resources named irods://host/zone/path from an iRODS zone.
// The client is connected on first use and shared by all fetches.
type IRODSHandler struct {
	factory IRODSClientFactory
	client  irodsfs_common_irods.IRODSFSClient
	mutex   sync.Mutex
}

// NewIRODSHandler creates IRODSHandler
func NewIRODSHandler(factory IRODSClientFactory) *IRODSHandler {
	return &IRODSHandler{
		factory: factory,
	}
}

func (handler *IRODSHandler) getClient() (irodsfs_common_irods.IRODSFSClient, error) {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	if handler.client != nil {
		return handler.client, nil
	}

	client, err := handler.factory()
	if err != nil {
		return nil, err
	}

	handler.client = client
	return client, nil
}

// Release disconnects the client
func (handler *IRODSHandler) Release() {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	if handler.client != nil {
		handler.client.Release()
		handler.client = nil
	}
}

// GetIRODSPath returns the logical path of an irods:// resource id
func GetIRODSPath(resourceID string) (string, error) {
	parsed, err := url.Parse(resourceID)
	if err != nil {
		return "", xerrors.Errorf("failed to parse %q: %w", resourceID, err)
	}

	if parsed.Scheme != "irods" || len(parsed.Path) == 0 || parsed.Path == "/" {
		return "", xerrors.Errorf("%q is not an irods path", resourceID)
	}
	return parsed.Path, nil
}

// Fetch reads the data object block by block
func (handler *IRODSHandler) Fetch(ctx context.Context, request *Request, sink io.Sink) error {
	logger := log.WithFields(log.Fields{
		"package":  "fetch",
		"struct":   "IRODSHandler",
		"function": "Fetch",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	path, err := GetIRODSPath(request.URL)
	if err != nil {
		return err
	}

	client, err := handler.getClient()
	if err != nil {
		return err
	}

	entry, err := client.Stat(path)
	if err != nil {
		if irodsclient_types.IsFileNotFoundError(err) {
			return commons.NewSourceNotFoundError(request.URL)
		}
		return xerrors.Errorf("failed to stat %q: %w", path, err)
	}

	if entry.Type != irodsclient_fs.FileEntry {
		return xerrors.Errorf("%q is not a data object", path)
	}

	if request.DataLengthLimit > 0 && entry.Size > request.DataLengthLimit {
		return commons.NewDataLengthExceededError(entry.Size, request.DataLengthLimit)
	}

	err = sink.SetLength(entry.Size)
	if err != nil {
		return err
	}

	handle, err := client.OpenFile(path, "", string(irodsclient_types.FileOpenModeReadOnly))
	if err != nil {
		return xerrors.Errorf("failed to open %q: %w", path, err)
	}
	defer handle.Close()

	logger.Debugf("Reading %q, %d bytes", path, entry.Size)

	buffer := make([]byte, irodsReadBlockSize)
	offset := int64(0)
	for offset < entry.Size {
		// a pending ReadAt is not interruptible, so check between blocks
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, readErr := handle.ReadAt(buffer, offset)
		if n > 0 {
			_, err = sink.WriteAt(buffer[:n], offset)
			if err != nil {
				return err
			}
			offset += int64(n)
		}

		if readErr == goio.EOF || (readErr == nil && n == 0) {
			break
		}

		if readErr != nil {
			return xerrors.Errorf("failed to read %q at %d: %w", path, offset, readErr)
		}
	}

	if offset < entry.Size {
		return xerrors.Errorf("short read of %q, %d of %d bytes: %w", path, offset, entry.Size, goio.ErrUnexpectedEOF)
	}
	return nil
}
