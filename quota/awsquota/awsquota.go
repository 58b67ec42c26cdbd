// Package awsquota derives worker capacity from AWS Service Quotas. A class
// maps to an EC2 vCPU quota; capacity is the quota minus the vCPUs of worker
// instances already running, divided by the vCPUs one worker needs.
package awsquota

import (
	"context"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/servicequotas"
	"github.com/aws/aws-sdk-go/service/servicequotas/servicequotasiface"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/launcher/ec2launcher"
)

const Type = "aws"

// StandardOnDemandQuotaCode is "Running On-Demand Standard (A, C, D, H, I, M, R, T, Z) instances".
const StandardOnDemandQuotaCode = "L-1216C47A"

// Class says which quota backs a resource class and what one worker costs.
type Class struct {
	QuotaCode      string `json:"quotaCode" yaml:"quotaCode"`
	VCPUsPerWorker int    `json:"vcpusPerWorker" yaml:"vcpusPerWorker"`
}

type Config struct {
	Region  string           `json:"region" yaml:"region"`
	Classes map[string]Class `json:"classes" yaml:"classes"`
}

func (c Config) String() string {
	return fmt.Sprintf("AWS Quota Config:\n\tRegion: %s\n\tClasses: %v", c.Region, c.Classes)
}

// DefaultClass is used for classes missing from the config.
var DefaultClass = Class{QuotaCode: StandardOnDemandQuotaCode, VCPUsPerWorker: 2}

type Oracle struct {
	cfg    Config
	quotas servicequotasiface.ServiceQuotasAPI
	ec2    ec2iface.EC2API
}

func New(cfg Config) (*Oracle, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return NewWithClients(cfg, servicequotas.New(sess), ec2.New(sess)), nil
}

func NewWithClients(cfg Config, quotas servicequotasiface.ServiceQuotasAPI, ec2Client ec2iface.EC2API) *Oracle {
	return &Oracle{cfg: cfg, quotas: quotas, ec2: ec2Client}
}

func (o *Oracle) class(name string) Class {
	c, ok := o.cfg.Classes[name]
	if !ok {
		c = DefaultClass
	}
	if c.QuotaCode == "" {
		c.QuotaCode = DefaultClass.QuotaCode
	}
	if c.VCPUsPerWorker <= 0 {
		c.VCPUsPerWorker = DefaultClass.VCPUsPerWorker
	}
	return c
}

func (o *Oracle) Available(ctx context.Context, class string) (int, error) {
	c := o.class(class)
	out, err := o.quotas.GetServiceQuotaWithContext(ctx, &servicequotas.GetServiceQuotaInput{
		ServiceCode: aws.String("ec2"),
		QuotaCode:   aws.String(c.QuotaCode),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "reading service quota %s", c.QuotaCode)
	}
	limit := aws.Float64Value(out.Quota.Value)
	inUse, err := o.workerVCPUs(ctx, c)
	if err != nil {
		return 0, err
	}
	free := int(math.Floor((limit - float64(inUse)) / float64(c.VCPUsPerWorker)))
	if free < 0 {
		free = 0
	}
	log.WithFields(
		log.Fields{
			"class":   class,
			"quota":   limit,
			"inUse":   inUse,
			"workers": free,
		}).Debug("Computed available workers")
	return free, nil
}

// workerVCPUs counts the vCPUs held by live worker instances.
func (o *Oracle) workerVCPUs(ctx context.Context, c Class) (int, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String(fmt.Sprintf("tag:%s", ec2launcher.WorkerTagKey)),
				Values: []*string{aws.String("true")},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []*string{aws.String("pending"), aws.String("running")},
			},
		},
	}
	total := 0
	err := o.ec2.DescribeInstancesPagesWithContext(ctx, input, func(page *ec2.DescribeInstancesOutput, last bool) bool {
		for _, rsv := range page.Reservations {
			for _, inst := range rsv.Instances {
				if inst.CpuOptions != nil && inst.CpuOptions.CoreCount != nil {
					total += int(aws.Int64Value(inst.CpuOptions.CoreCount) * max(aws.Int64Value(inst.CpuOptions.ThreadsPerCore), 1))
				} else {
					total += c.VCPUsPerWorker
				}
			}
		}
		return true
	})
	return total, errors.Wrap(err, "describing worker instances")
}

func (o *Oracle) RequestIncrease(ctx context.Context, class string, desired int) (string, error) {
	c := o.class(class)
	out, err := o.quotas.RequestServiceQuotaIncreaseWithContext(ctx, &servicequotas.RequestServiceQuotaIncreaseInput{
		ServiceCode:  aws.String("ec2"),
		QuotaCode:    aws.String(c.QuotaCode),
		DesiredValue: aws.Float64(float64(desired * c.VCPUsPerWorker)),
	})
	if err != nil {
		return "", errors.Wrapf(err, "requesting increase of %s", c.QuotaCode)
	}
	return aws.StringValue(out.RequestedQuota.Id), nil
}
