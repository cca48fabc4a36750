package adapters

import (
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// challengePublisher writes http-01 validation files into the bucket the edge
// resources front. DNS validation records are published out of band, so
// challenges without a file path are skipped.
type challengePublisher struct {
	s3          s3iface.S3API
	bucket      string
	settleDelay time.Duration
	sleep       func(time.Duration)
	logger      lager.Logger
}

func (p *challengePublisher) uploadChallengeFiles(challenges []models.Challenge) error {
	lsession := p.logger.Session("upload-challenge-files", lager.Data{"bucket": p.bucket})

	uploaded := 0
	for idx := range challenges {
		challenge := challenges[idx]
		if challenge.Answered {
			continue
		}
		if !strings.HasPrefix(challenge.ValidationPath, "/") {
			continue
		}

		key := strings.TrimPrefix(challenge.ValidationPath, "/")
		_, err := p.s3.PutObject(&s3.PutObjectInput{
			Bucket:               aws.String(p.bucket),
			Key:                  aws.String(key),
			Body:                 strings.NewReader(challenge.ValidationContents),
			ServerSideEncryption: aws.String("AES256"),
		})
		if err != nil {
			lsession.Error("put-object", err, lager.Data{"key": key})
			return err
		}
		uploaded++
		lsession.Debug("challenge-file-uploaded", lager.Data{"key": key})
	}

	// give the bucket a moment before the CA gets told to fetch the files
	if uploaded > 0 && p.settleDelay > 0 {
		lsession.Debug("waiting-for-object-propagation", lager.Data{"delay": p.settleDelay.String()})
		sleep := p.sleep
		if sleep == nil {
			sleep = time.Sleep
		}
		sleep(p.settleDelay)
	}
	return nil
}
