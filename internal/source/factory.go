package source

import (
	"fmt"
	"time"
)

// Factory builds connectors from stored DataSource records, carrying the
// operational limits every connector kind needs.
type Factory struct {
	MaxFileSize     int64
	FetchTimeout    time.Duration
	ValidateTimeout time.Duration
	QueryTimeout    time.Duration
	MaxOpenConns    int
}

// Open returns the connector for a data source. Relational connectors hold
// a connection pool; callers should type-assert io.Closer and close the
// connector when done with it.
func (f Factory) Open(ds DataSource) (Connector, error) {
	switch ds.Kind {
	case KindLocalFile:
		return NewLocalFile(ds.Path, f.MaxFileSize), nil
	case KindCloudShare:
		return NewCloudShare(ds.ShareURL, ds.DisplayName, f.MaxFileSize, f.FetchTimeout, f.ValidateTimeout), nil
	case KindRelational:
		return NewRelational(ds.ConnRef, f.MaxOpenConns, f.QueryTimeout)
	default:
		return nil, fmt.Errorf("unknown source kind %q", ds.Kind)
	}
}
