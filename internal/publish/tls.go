package publish

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/rtcm-streamer/helpers"
)

// Fixed names inside credentials directory.
const (
	RootCAFile     = "AmazonRootCA1.pem"
	ClientCertFile = "device.crt"
	ClientKeyFile  = "device.key"
)

// CheckCredentials returns NotFound error listing every missing file.
func CheckCredentials(dir string) error {
	if dir == "" {
		return errors.NotValidf("credentials directory is empty")
	}
	missing := make([]string, 0, 3)
	errs := make([]error, 0, 3)
	for _, name := range []string{ClientCertFile, ClientKeyFile, RootCAFile} {
		path := filepath.Join(dir, name)
		st, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
			missing = append(missing, name)
		case err != nil:
			errs = append(errs, errors.Annotatef(err, "credentials file %s", path))
		case st.IsDir():
			errs = append(errs, errors.NotValidf("credentials file %s is directory", path))
		}
	}
	if len(missing) != 0 {
		return errors.NotFoundf("credentials %s in %s", strings.Join(missing, ", "), dir)
	}
	return helpers.FoldErrors(errs)
}

// LoadTLS builds mutual TLS config from credentials directory.
// Never touches network.
func LoadTLS(dir string) (*tls.Config, error) {
	if err := CheckCredentials(dir); err != nil {
		return nil, err
	}
	caPath := filepath.Join(dir, RootCAFile)
	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Annotatef(err, "TLS root CA")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.NotValidf("TLS root CA %s no PEM certificates", caPath)
	}
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, ClientCertFile), filepath.Join(dir, ClientKeyFile))
	if err != nil {
		return nil, errors.NewNotValid(err, "TLS client certificate")
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
