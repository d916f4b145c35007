package publish

import (
	"fmt"
	"log/slog"
	"net/http"
)

// SiteOptions selects and configures the publisher for one site.
type SiteOptions struct {
	Domain              string
	Username            string
	ApplicationPassword string
	Password            string
	TouchDate           bool
	HTTPClient          *http.Client
	Logger              *slog.Logger
}

// NewForSite returns a REST publisher when an application password is
// configured and an XML-RPC publisher when only the account password is.
// The result is wrapped with WithCreateMemo.
func NewForSite(opts SiteOptions) (Publisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case opts.ApplicationPassword != "":
		if opts.Password != "" {
			logger.Warn("both application password and password configured, using rest api", "domain", opts.Domain)
		}
		return WithCreateMemo(NewRESTPublisher(RESTOptions{
			Domain:              opts.Domain,
			Username:            opts.Username,
			ApplicationPassword: opts.ApplicationPassword,
			TouchDate:           opts.TouchDate,
			HTTPClient:          opts.HTTPClient,
			Logger:              logger,
		})), nil
	case opts.Password != "":
		return WithCreateMemo(NewXMLRPCPublisher(XMLRPCOptions{
			Domain:     opts.Domain,
			Username:   opts.Username,
			Password:   opts.Password,
			TouchDate:  opts.TouchDate,
			HTTPClient: opts.HTTPClient,
			Logger:     logger,
		})), nil
	default:
		return nil, fmt.Errorf("no credentials configured for %s", opts.Domain)
	}
}
