package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
)

const route53Ttl = 60

type Route53 struct {
	r53     route53iface.Route53API
	zoneIds map[string]string // zone => hosted zone ID
	mu      sync.Mutex
}

var _ Adapter = (*Route53)(nil)

// credentials come from the usual AWS environment/instance role chain
func NewRoute53(region string) (*Route53, error) {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, err
	}

	return NewRoute53WithClient(route53.New(sess)), nil
}

func NewRoute53WithClient(client route53iface.Route53API) *Route53 {
	return &Route53{
		r53:     client,
		zoneIds: map[string]string{},
	}
}

// pins a zone to a hosted zone ID (skips lookup, needed when there are several zones of same name)
func (r *Route53) SetHostedZoneId(zone string, hostedZoneId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.zoneIds[zone] = hostedZoneId
}

func (r *Route53) Create(ctx context.Context, record Record) error {
	if err := r.change(ctx, route53.ChangeActionUpsert, record); err != nil {
		return r.error("create", record, err)
	}

	return nil
}

func (r *Route53) Delete(ctx context.Context, record Record) error {
	if err := r.change(ctx, route53.ChangeActionDelete, record); err != nil {
		// "Tried to delete resource record set [...] but it was not found"
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == route53.ErrCodeInvalidChangeBatch && strings.Contains(aerr.Message(), "not found") {
			return nil
		}

		return r.error("delete", record, err)
	}

	return nil
}

func (r *Route53) change(ctx context.Context, action string, record Record) error {
	if err := validate(record); err != nil {
		return err
	}

	hostedZoneId, err := r.hostedZoneId(ctx, record.Zone)
	if err != nil {
		return err
	}

	_, err = r.r53.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(hostedZoneId),
		ChangeBatch: &route53.ChangeBatch{
			Comment: aws.String("certfleet DNS-01"),
			Changes: []*route53.Change{
				{
					Action: aws.String(action),
					ResourceRecordSet: &route53.ResourceRecordSet{
						Name: aws.String(record.Name),
						Type: aws.String(route53.RRTypeTxt),
						TTL:  aws.Int64(route53Ttl),
						ResourceRecords: []*route53.ResourceRecord{
							{Value: aws.String(strconv.Quote(record.Value))},
						},
					},
				},
			},
		},
	})
	return err
}

func (r *Route53) hostedZoneId(ctx context.Context, zone string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, cached := r.zoneIds[zone]; cached {
		return id, nil
	}

	res, err := r.r53.ListHostedZonesByNameWithContext(ctx, &route53.ListHostedZonesByNameInput{
		DNSName: aws.String(zone),
	})
	if err != nil {
		return "", err
	}

	for _, hostedZone := range res.HostedZones {
		if aws.StringValue(hostedZone.Name) != zone+"." {
			continue
		}

		if hostedZone.Config != nil && aws.BoolValue(hostedZone.Config.PrivateZone) {
			continue
		}

		// "/hostedzone/Z123" => "Z123"
		id := strings.TrimPrefix(aws.StringValue(hostedZone.Id), "/hostedzone/")
		r.zoneIds[zone] = id

		return id, nil
	}

	return "", fmt.Errorf("no public hosted zone for %s", zone)
}

func (r *Route53) error(op string, record Record, err error) error {
	status := ""
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		status = aerr.Code()
	}

	return &DnsProviderError{
		Op:       op,
		Provider: "route53",
		Zone:     record.Zone,
		Name:     record.Name,
		Status:   status,
		Err:      err,
	}
}
