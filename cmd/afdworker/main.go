// Command afdworker is a thin demonstration binary wiring C5-C8 (the HTTP
// command layer, retrieve list, protocol adapters, and fetch orchestrator)
// together for one (host, directory) pass. The full worker CLI surface —
// multi-host scheduling, named-pipe control channels, FSA/FRA glue — is out
// of scope; this exists to exercise the core end to end, one pass per run.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/holger24/AFD-sub010/internal/afdauth"
	"github.com/holger24/AFD-sub010/internal/afderr"
	"github.com/holger24/AFD-sub010/internal/afdlog"
	"github.com/holger24/AFD-sub010/internal/fetch"
	"github.com/holger24/AFD-sub010/internal/httpcmd"
	"github.com/holger24/AFD-sub010/internal/policy"
	"github.com/holger24/AFD-sub010/internal/remotedir"
	"github.com/holger24/AFD-sub010/internal/retrievelist"
	"github.com/holger24/AFD-sub010/internal/wireio"
)

func main() {
	var (
		hostname    = flag.String("host", "", "remote hostname")
		port        = flag.Int("port", 443, "remote port")
		proto       = flag.String("proto", "s3", "remote protocol: s3, sftp, ftp")
		remotePath  = flag.String("remote-path", "/", "remote directory (or bucket path) to list")
		bucket      = flag.String("bucket", "", "S3 bucket path, e.g. /my-bucket (proto=s3 only)")
		policyPath  = flag.String("policy", "", "directory admission policy YAML file")
		listPath    = flag.String("retrieve-list", "", "retrieve list backing file path")
		dirID       = flag.String("dir-id", "default", "directory identifier for the retrieve list")
		workerID    = flag.Uint("worker-id", 1, "worker identifier (1-255)")
		region      = flag.String("region", "us-east-1", "AWS region (proto=s3 only)")
		accessKey   = flag.String("access-key", "", "S3 access key (proto=s3 only)")
		secretKey   = flag.String("secret-key", "", "S3 secret key (proto=s3 only)")
		user        = flag.String("user", "", "username (proto=sftp/ftp)")
		pass        = flag.String("pass", "", "password (proto=sftp/ftp)")
		useTLS      = flag.Bool("tls", true, "use TLS (proto=s3)")
		verbose     = flag.Bool("verbose", false, "debug logging")
		timeout     = flag.Duration("timeout", 30*time.Second, "transfer timeout")
	)
	flag.Parse()

	if *verbose {
		afdlog.SetLevel(logrus.DebugLevel)
	}
	if *hostname == "" {
		fmt.Fprintln(os.Stderr, "afdworker: -host is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pol, err := policy.Load(*policyPath)
	if err != nil {
		afdlog.Errorf("afdworker: load policy: %v", err)
		os.Exit(1)
	}

	remote, err := dialRemote(ctx, remoteOptions{
		proto: *proto, hostname: *hostname, port: *port, bucket: *bucket,
		region: *region, accessKey: *accessKey, secretKey: *secretKey,
		user: *user, pass: *pass, useTLS: *useTLS, timeout: *timeout,
	})
	if err != nil {
		afdlog.Errorf("afdworker: connect: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := remote.Quit(); err != nil {
			afdlog.Warnf("afdworker: quit: %v", err)
		}
	}()

	metrics := fetch.NewMetrics(prometheus.DefaultRegisterer)
	orch := &fetch.Orchestrator{Remote: remote, Policy: pol, Metrics: metrics}

	summary, err := orch.RunPass(ctx, fetch.PassOptions{
		DirID:            *dirID,
		WorkerID:         uint8(*workerID),
		RemotePath:       *remotePath,
		RetrieveListPath: *listPath,
		Mode:             retrievelist.ModeNormal,
		TransferTimeout:  *timeout,
	})
	if err != nil {
		afdlog.Errorf("afdworker: pass failed: %v", err)
		os.Exit(1)
	}
	afdlog.Infof("afdworker: listed=%d admitted=%d deleted=%d bytes=%d more_files_in_list=%v",
		summary.Listed, summary.Admitted, summary.Deleted, summary.BytesAdmitted, summary.MoreFilesInList)
}

type remoteOptions struct {
	proto, hostname string
	port            int
	bucket          string
	region          string
	accessKey       string
	secretKey       string
	user, pass      string
	useTLS          bool
	timeout         time.Duration
}

func dialRemote(ctx context.Context, opt remoteOptions) (remotedir.RemoteDir, error) {
	switch opt.proto {
	case "sftp":
		return remotedir.DialSFTP(ctx, remotedir.SFTPOptions{
			Hostname: opt.hostname, Port: opt.port, User: opt.user, Password: opt.pass,
		})
	case "ftp":
		return remotedir.DialFTP(ctx, remotedir.FTPOptions{
			Hostname: opt.hostname, Port: opt.port, User: opt.user, Pass: opt.pass,
		}, nil)
	case "s3":
		client := httpcmd.New(httpcmd.Options{
			Hostname: opt.hostname, Port: opt.port,
			TLS:             wireio.Features{TLS: opt.useTLS, VerifyMode: wireio.VerifyStrict, ServerName: opt.hostname},
			TransferTimeout: opt.timeout,
			UserAgent:       "AFD/1",
			Auth:            httpcmd.AuthConfig{Type: "sigv4", Region: opt.region, Service: "s3"},
		})
		if err := client.Connect(ctx); err != nil {
			return nil, afderr.Wrapf(err, "dialRemote: connect to %s:%d", opt.hostname, opt.port)
		}
		creds := awssdk.Credentials{AccessKeyID: opt.accessKey, SecretAccessKey: opt.secretKey}
		client.SetSigV4Signer(afdauth.NewSigV4Signer(creds, opt.region, "s3"))
		return remotedir.NewS3(client, opt.bucket, true), nil
	default:
		return nil, fmt.Errorf("afdworker: unknown -proto %q", opt.proto)
	}
}
