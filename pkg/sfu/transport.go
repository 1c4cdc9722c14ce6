// Copyright 2024 Mediaswitch, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sfu

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/mediaswitch/rtpworker/pkg/logger"
	"github.com/mediaswitch/rtpworker/pkg/sfu/bwe"
	"github.com/mediaswitch/rtpworker/pkg/sfu/pacer"
	"github.com/mediaswitch/rtpworker/pkg/sfu/twcc"
	"github.com/mediaswitch/rtpworker/pkg/telemetry/prometheus"
)

const (
	rtcpMaxVideoIntervalMs = 1000
	rtcpMinIntervalMs      = 100
	rtcpBandwidthDivisor   = 360000 // interval ms = divisor / kbps

	// compound packets must fit the wire MTU minus transport overhead
	rtcpBufferSize = 1458

	minIncomingBitrate = 10000

	defaultInitialAvailableBitrate = 600_000
	defaultMinOutgoingBitrate      = 30_000
	defaultMaxOutgoingBitrate      = 10_000_000
)

type TransportParams struct {
	ID string

	InitialAvailableOutgoingBitrate uint32

	Logger logger.Logger
}

// TransportCallbacks is the transport's upstream: the DTLS/ICE collaborator
// for wire I/O and the controller channel for notifications.
type TransportCallbacks struct {
	SendRtpPacket          func(data []byte)
	SendRtcpPacket         func(data []byte)
	SendRtcpCompoundPacket func(data []byte)
	OnNotification         func(targetID string, event string, data interface{})
}

// Transport owns the producers and consumers of one peer connection and
// routes every packet between them: RTP ingress through the listener to
// producers, fan-out to consumers, RTCP in both directions, and the two
// congestion-control loops.
//
// Locking: the data path, the RTCP loop and the control surface all
// serialize on t.lock, mirroring the one-event-loop model; internal
// producer/consumer callbacks run with the lock already held. The egress
// rate calculator has its own lock because the pacer goroutine feeds it.
type Transport struct {
	lock      sync.Mutex
	params    TransportParams
	callbacks TransportCallbacks
	logger    logger.Logger

	producers           *orderedmap.OrderedMap[string, *Producer]
	consumers           *orderedmap.OrderedMap[string, Consumer]
	consumersByProducer map[string][]string
	mapSsrcConsumer     map[uint32]Consumer

	listener   *RtpListener
	recvExtIds RtpHeaderExtensionIds

	recvRate *RateCalculator

	sendRateLock sync.Mutex
	sendRate     *RateCalculator

	cname string

	tccServer  *twcc.Server
	tccClient  *bwe.TransportCongestionControlClient
	rembServer *bwe.RembServer
	rembClient *bwe.RembClient
	pacer      pacer.Pacer

	connected atomic.Bool
	stop      core.Fuse
}

func NewTransport(params TransportParams, callbacks TransportCallbacks) *Transport {
	log := params.Logger.WithValues("transportId", params.ID)

	initialBitrate := params.InitialAvailableOutgoingBitrate
	if initialBitrate == 0 {
		initialBitrate = defaultInitialAvailableBitrate
	}

	t := &Transport{
		params:              params,
		callbacks:           callbacks,
		logger:              log,
		producers:           orderedmap.NewOrderedMap[string, *Producer](),
		consumers:           orderedmap.NewOrderedMap[string, Consumer](),
		consumersByProducer: make(map[string][]string),
		mapSsrcConsumer:     make(map[uint32]Consumer),
		listener:            NewRtpListener(log),
		recvRate:            NewRateCalculator(defaultRateWindowMs),
		sendRate:            NewRateCalculator(defaultRateWindowMs),
		cname:               uuid.NewString(),
	}

	// the wide-seq generator resolves through t so construction order
	// between pacer and congestion client does not matter
	base := pacer.NewBase(log, t.writeRtp, func() uint16 { return t.tccClient.NextTransportSeq() })
	t.pacer = pacer.NewLeakyBucket(log, base)
	t.tccClient = bwe.NewTransportCongestionControlClient(
		float64(initialBitrate), defaultMinOutgoingBitrate, defaultMaxOutgoingBitrate, t.pacer, log)
	t.tccClient.OnAvailableBitrate(t.onAvailableBitrate)

	t.rembClient = bwe.NewRembClient(initialBitrate, log)
	t.rembClient.OnBitrateEvent(t.onRembBitrateEvent)

	go t.rtcpWorker()
	return t
}

func (t *Transport) ID() string { return t.params.ID }

// ---------------------------------------------------------------------
// wire ingress
// ---------------------------------------------------------------------

// ReceiveRtpPacket demultiplexes one decrypted RTP packet to its producer
// and fans it out. The buffer is only referenced for the duration of the
// call.
func (t *Transport) ReceiveRtpPacket(buf []byte) {
	if t.stop.IsBroken() {
		return
	}

	arrival := time.Now()

	t.lock.Lock()
	defer t.lock.Unlock()

	ep, err := ParseRtpPacket(buf, arrival, t.recvExtIds)
	if err != nil {
		t.logger.Warnw("rtp packet discarded", err)
		prometheus.RTPPacketDropped("parse")
		return
	}

	t.recvRate.Update(len(buf), arrival.UnixMilli())
	prometheus.RTPPacketReceived(len(buf))

	if ep.HasTransportSeq && t.tccServer != nil {
		t.tccServer.IncomingPacket(arrival, ep.TransportWideSeq)
	}
	if ep.HasAbsSendTime && t.rembServer != nil {
		t.rembServer.IncomingPacket(arrival, len(buf), ep.AbsSendTime)
	}

	producer, err := t.listener.GetProducer(ep)
	if err != nil {
		t.logger.Warnw("no producer for rtp packet", err,
			"ssrc", ep.Packet.SSRC, "mid", ep.Mid, "rid", ep.Rid)
		prometheus.RTPPacketDropped("routing")
		return
	}

	producer.ReceiveRtpPacket(ep)
}

// ReceiveRtcpPacket demultiplexes a decrypted RTCP compound packet.
func (t *Transport) ReceiveRtcpPacket(buf []byte) {
	if t.stop.IsBroken() {
		return
	}

	arrival := time.Now()
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		t.logger.Warnw("rtcp packet discarded", err)
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	for _, pkt := range packets {
		t.handleRtcp(pkt, arrival)
	}
}

func (t *Transport) handleRtcp(pkt rtcp.Packet, arrival time.Time) {
	switch p := pkt.(type) {
	case *rtcp.SenderReport:
		if producer := t.listener.GetProducerBySsrc(p.SSRC); producer != nil {
			producer.ReceiveRtcpSenderReport(p, arrival)
		}
		for _, report := range p.Reports {
			t.handleReceptionReport(report, arrival)
		}

	case *rtcp.ReceiverReport:
		for _, report := range p.Reports {
			t.handleReceptionReport(report, arrival)
		}

	case *rtcp.PictureLossIndication:
		prometheus.KeyFrameRequestReceived("pli")
		if consumer, ok := t.mapSsrcConsumer[p.MediaSSRC]; ok {
			consumer.ReceiveKeyFrameRequest(p.MediaSSRC)
		}

	case *rtcp.FullIntraRequest:
		prometheus.KeyFrameRequestReceived("fir")
		for _, entry := range p.FIR {
			if consumer, ok := t.mapSsrcConsumer[entry.SSRC]; ok {
				consumer.ReceiveKeyFrameRequest(entry.SSRC)
			}
		}

	case *rtcp.TransportLayerNack:
		prometheus.NackReceived()
		if consumer, ok := t.mapSsrcConsumer[p.MediaSSRC]; ok {
			consumer.ReceiveNack(p)
		}

	case *rtcp.ReceiverEstimatedMaximumBitrate:
		t.sendRateLock.Lock()
		used := t.sendRate.GetRate(arrival.UnixMilli())
		t.sendRateLock.Unlock()
		if t.rembClient != nil {
			t.rembClient.ReceiveRembFeedback(p, used, arrival)
		}
		if t.tccClient != nil {
			t.tccClient.ReceiveEstimatedBitrate(float64(p.Bitrate))
		}

	case *rtcp.TransportLayerCC:
		if t.tccClient != nil {
			t.tccClient.ReceiveRtcpTransportFeedback(p)
		}

	case *rtcp.Goodbye, *rtcp.SourceDescription:
		// nothing to route

	default:
		t.logger.Debugw("unhandled rtcp packet type")
	}
}

func (t *Transport) handleReceptionReport(report rtcp.ReceptionReport, arrival time.Time) {
	if consumer, ok := t.mapSsrcConsumer[report.SSRC]; ok {
		consumer.ReceiveRtcpReceiverReport(report, arrival)
	}
}

func (t *Transport) TransportConnected() {
	t.connected.Store(true)
	t.logger.Debugw("transport connected")
}

func (t *Transport) TransportDisconnected() {
	t.connected.Store(false)
}

// ---------------------------------------------------------------------
// producer / consumer event plumbing (all run under t.lock)
// ---------------------------------------------------------------------

// onProducerRtpPacketReceived fans one mangled packet out to every
// consumer bound to the producer.
func (t *Transport) onProducerRtpPacketReceived(producer *Producer, ep *ExtPacket) {
	for _, consumerID := range t.consumersByProducer[producer.ID()] {
		if consumer, ok := t.consumers.Get(consumerID); ok {
			consumer.SendRtpPacket(ep)
		}
	}
}

// onProducerSendRtcpPacket emits producer-originated feedback (PLI, FIR,
// NACK) toward the remote peer. Also reached from key-frame retry timers,
// which touch no transport state.
func (t *Transport) onProducerSendRtcpPacket(pkt rtcp.Packet) {
	if !t.connected.Load() || t.callbacks.SendRtcpPacket == nil {
		return
	}
	data, err := rtcp.Marshal([]rtcp.Packet{pkt})
	if err != nil {
		t.logger.Errorw("could not marshal rtcp packet", err)
		return
	}
	t.callbacks.SendRtcpPacket(data)
}

func (t *Transport) onProducerScoreChanged(producer *Producer, scores []ProducerScore) {
	t.notify(producer.ID(), "score", scores)
	for _, consumerID := range t.consumersByProducer[producer.ID()] {
		if consumer, ok := t.consumers.Get(consumerID); ok {
			for _, s := range scores {
				consumer.SetProducerScore(s.EncodingIdx, s.Score)
			}
		}
	}
}

// onConsumerRtpPacket pushes one rewritten packet into the pacer.
func (t *Transport) onConsumerRtpPacket(c Consumer, header *rtp.Header, payload []byte) {
	if !t.connected.Load() {
		return
	}

	var absSendTimeID, transportWideID uint8
	type extProvider interface {
		ExtensionIds() RtpHeaderExtensionIds
	}
	if p, ok := c.(extProvider); ok {
		ids := p.ExtensionIds()
		absSendTimeID = ids.AbsSendTime
		transportWideID = ids.TransportWideCC01
	}

	pkt := &pacer.Packet{
		Header:             header,
		Payload:            append([]byte(nil), payload...),
		AbsSendTimeExtID:   absSendTimeID,
		TransportWideExtID: transportWideID,
	}
	t.tccClient.InsertPacket(pkt)
}

func (t *Transport) onConsumerRetransmit(c Consumer, data []byte) {
	prometheus.PacketRetransmitted()
	_ = t.writeRtp(data)
}

func (t *Transport) onConsumerKeyFrameRequested(c Consumer, mappedSsrc uint32) {
	prometheus.KeyFrameRequestForwarded()
	if producer, ok := t.producers.Get(c.ProducerID()); ok {
		producer.RequestKeyFrame(mappedSsrc)
	}
}

func (t *Transport) onConsumerLayersChanged(c Consumer, spatialLayer int16) {
	t.notify(c.ID(), "layerschange", map[string]interface{}{
		"spatialLayer": spatialLayer,
	})
}

// onConsumerScoreChanged arrives from the score debounce timer; it only
// emits a notification and takes no transport state.
func (t *Transport) onConsumerScoreChanged(c Consumer, score uint8) {
	t.notify(c.ID(), "score", map[string]interface{}{"score": score})
}

// writeRtp is the wire sink; reached from the pacer goroutine and from
// retransmissions.
func (t *Transport) writeRtp(data []byte) error {
	if !t.connected.Load() || t.callbacks.SendRtpPacket == nil {
		return nil
	}
	t.sendRateLock.Lock()
	t.sendRate.Update(len(data), time.Now().UnixMilli())
	t.sendRateLock.Unlock()
	prometheus.RTPPacketSent(len(data))
	t.callbacks.SendRtpPacket(data)
	return nil
}

// onAvailableBitrate distributes the send-side congestion controller's
// budget; reached from the RTCP ingress path, under t.lock.
func (t *Transport) onAvailableBitrate(available uint32, previous uint32) {
	t.distributeBitrate(available)
}

// onRembBitrateEvent reallocates layers from remote REMB feedback; also
// under t.lock via RTCP ingress.
func (t *Transport) onRembBitrateEvent(event bwe.BitrateEvent) {
	t.distributeBitrate(event.AvailableBitrate)
}

func (t *Transport) distributeBitrate(available uint32) {
	n := t.consumers.Len()
	if n == 0 {
		return
	}
	nowMs := time.Now().UnixMilli()
	share := available / uint32(n)
	for el := t.consumers.Front(); el != nil; el = el.Next() {
		el.Value.ApplyBitrate(share, nowMs)
	}
}

func (t *Transport) notify(targetID, event string, data interface{}) {
	if t.callbacks.OnNotification != nil && !t.stop.IsBroken() {
		t.callbacks.OnNotification(targetID, event, data)
	}
}

// ---------------------------------------------------------------------
// RTCP emission loop
// ---------------------------------------------------------------------

func (t *Transport) rtcpWorker() {
	timer := time.NewTimer(t.nextRtcpInterval())
	defer timer.Stop()

	for {
		select {
		case <-t.stop.Watch():
			return
		case now := <-timer.C:
			t.sendRtcp(now)
			timer.Reset(t.nextRtcpInterval())
		}
	}
}

// nextRtcpInterval scales the nominal interval with the outgoing media
// rate and jitters it uniformly in [0.5x, 1.5x].
func (t *Transport) nextRtcpInterval() time.Duration {
	t.sendRateLock.Lock()
	rate := t.sendRate.GetRate(time.Now().UnixMilli())
	t.sendRateLock.Unlock()

	intervalMs := int64(rtcpMaxVideoIntervalMs)
	if kbps := int64(rate) / 1000; kbps > 0 {
		if scaled := rtcpBandwidthDivisor / kbps; scaled < intervalMs {
			intervalMs = scaled
		}
	}
	if intervalMs < rtcpMinIntervalMs {
		intervalMs = rtcpMinIntervalMs
	}

	jittered := intervalMs/2 + rand.Int63n(intervalMs+1)
	return time.Duration(jittered) * time.Millisecond
}

// sendRtcp runs one emission pass: per-consumer SR+SDES compounds, then
// compounds with the producer RRs.
func (t *Transport) sendRtcp(now time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for el := t.consumers.Front(); el != nil; el = el.Next() {
		packets := el.Value.GetRtcp(now)
		if len(packets) == 0 {
			continue
		}
		t.emitCompound(packets)
	}

	var reports []rtcp.ReceptionReport
	for el := t.producers.Front(); el != nil; el = el.Next() {
		for _, report := range el.Value.GetRtcp(now) {
			reports = append(reports, *report)
		}
	}
	// an RR holds at most 31 report blocks
	for len(reports) > 0 {
		n := len(reports)
		if n > 31 {
			n = 31
		}
		rr := &rtcp.ReceiverReport{Reports: reports[:n]}
		reports = reports[n:]
		t.emitCompound([]rtcp.Packet{rr})
	}
}

func (t *Transport) emitCompound(packets []rtcp.Packet) {
	if !t.connected.Load() || t.callbacks.SendRtcpCompoundPacket == nil {
		return
	}
	data, err := rtcp.Marshal(packets)
	if err != nil {
		t.logger.Errorw("could not marshal rtcp compound", err)
		return
	}
	if len(data) > rtcpBufferSize {
		t.logger.Warnw("rtcp compound exceeds buffer, dropped", nil, "size", len(data))
		return
	}
	t.callbacks.SendRtcpCompoundPacket(data)
}

// onTccFeedback emits receive-side transport-wide feedback packets.
func (t *Transport) onTccFeedback(pkt rtcp.RawPacket) {
	if !t.connected.Load() || t.callbacks.SendRtcpPacket == nil {
		return
	}
	prometheus.FeedbackPacketSent()
	t.callbacks.SendRtcpPacket([]byte(pkt))
}

// onRembServerEstimate reports our downlink estimate to the remote peer.
func (t *Transport) onRembServerEstimate(pkt *rtcp.ReceiverEstimatedMaximumBitrate) {
	if !t.connected.Load() || t.callbacks.SendRtcpPacket == nil {
		return
	}
	data, err := rtcp.Marshal([]rtcp.Packet{pkt})
	if err != nil {
		t.logger.Errorw("could not marshal remb packet", err)
		return
	}
	t.callbacks.SendRtcpPacket(data)
}

// ---------------------------------------------------------------------
// control surface
// ---------------------------------------------------------------------

type produceData struct {
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	RtpMapping    RtpMapping    `json:"rtpMapping"`
	Paused        bool          `json:"paused"`
}

type consumeData struct {
	ProducerID      string        `json:"producerId"`
	Kind            MediaKind     `json:"kind"`
	RtpParameters   RtpParameters `json:"rtpParameters"`
	Paused          bool          `json:"paused"`
	PreferredLayers *struct {
		SpatialLayer  int16 `json:"spatialLayer"`
		TemporalLayer int16 `json:"temporalLayer"`
	} `json:"preferredLayers,omitempty"`
}

// Produce creates a producer from a transport.produce request.
func (t *Transport) Produce(producerID string, data produceData) (*Producer, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.produceLocked(producerID, data)
}

func (t *Transport) produceLocked(producerID string, data produceData) (*Producer, error) {
	if t.stop.IsBroken() {
		return nil, ErrTransportClosed
	}
	if _, ok := t.producers.Get(producerID); ok {
		return nil, ErrDuplicatedID
	}

	producer, err := NewProducer(ProducerParams{
		ID:               producerID,
		Kind:             data.Kind,
		RtpParameters:    data.RtpParameters,
		RtpMapping:       data.RtpMapping,
		Paused:           data.Paused,
		RecvExtensionIds: t.recvExtIds,
		Logger:           t.logger,
	}, ProducerCallbacks{
		OnRtpPacketReceived: t.onProducerRtpPacketReceived,
		OnSendRtcpPacket:    t.onProducerSendRtcpPacket,
		OnScoreChanged:      t.onProducerScoreChanged,
	})
	if err != nil {
		return nil, err
	}

	if err := t.listener.AddProducer(producer); err != nil {
		// no partial state survives a conflict
		producer.Close()
		return nil, err
	}

	t.producers.Set(producerID, producer)

	// the transport-wide extension id set is the union of its producers
	t.recvExtIds.Merge(producer.ExtensionIds())

	if producer.ExtensionIds().TransportWideCC01 != 0 && t.tccServer == nil {
		ssrc := uint32(0)
		if ssrcs := producer.DeclaredSsrcs(); len(ssrcs) > 0 {
			ssrc = ssrcs[0]
		}
		t.tccServer = twcc.NewServer(ssrc, t.logger)
		t.tccServer.OnFeedback(t.onTccFeedback)
	}
	if producer.ExtensionIds().AbsSendTime != 0 && t.rembServer == nil {
		t.rembServer = bwe.NewRembServer(defaultInitialAvailableBitrate, t.logger)
		t.rembServer.OnRemb(t.onRembServerEstimate)
	}
	if t.rembServer != nil {
		t.rembServer.SetSsrcs(t.allProducerSsrcs())
	}

	return producer, nil
}

func (t *Transport) allProducerSsrcs() []uint32 {
	var ssrcs []uint32
	for el := t.producers.Front(); el != nil; el = el.Next() {
		ssrcs = append(ssrcs, el.Value.DeclaredSsrcs()...)
	}
	return ssrcs
}

// Consume creates a consumer bound to an existing producer.
func (t *Transport) Consume(consumerID string, data consumeData) (Consumer, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.consumeLocked(consumerID, data)
}

func (t *Transport) consumeLocked(consumerID string, data consumeData) (Consumer, error) {
	if t.stop.IsBroken() {
		return nil, ErrTransportClosed
	}
	if _, ok := t.consumers.Get(consumerID); ok {
		return nil, ErrDuplicatedID
	}
	producer, ok := t.producers.Get(data.ProducerID)
	if !ok {
		return nil, ErrProducerNotFound
	}
	if len(data.RtpParameters.Encodings) == 0 {
		return nil, ErrMissingEncodings
	}

	params := ConsumerParams{
		ID:               consumerID,
		ProducerID:       data.ProducerID,
		Kind:             data.Kind,
		RtpParameters:    data.RtpParameters,
		Paused:           data.Paused,
		ProducerPaused:   producer.Paused(),
		RecvExtensionIds: t.recvExtIds,
		Logger:           t.logger,
	}
	if params.RtpParameters.Rtcp.Cname == "" {
		params.RtpParameters.Rtcp.Cname = t.cname
	}

	callbacks := ConsumerCallbacks{
		OnRtpPacket:         t.onConsumerRtpPacket,
		OnRetransmit:        t.onConsumerRetransmit,
		OnKeyFrameRequested: t.onConsumerKeyFrameRequested,
		OnLayersChanged:     t.onConsumerLayersChanged,
		OnScoreChanged:      t.onConsumerScoreChanged,
	}

	var consumer Consumer
	if producer.NumEncodings() > 1 {
		layerBitrates := make([]uint32, 0, producer.NumEncodings())
		for _, enc := range producer.params.RtpParameters.Encodings {
			layerBitrates = append(layerBitrates, enc.MaxBitrate)
		}
		sc := NewSimulcastConsumer(params, producer.MappedSsrcs(), layerBitrates, callbacks)
		if data.PreferredLayers != nil {
			sc.SetPreferredLayers(data.PreferredLayers.SpatialLayer, data.PreferredLayers.TemporalLayer)
		}
		consumer = sc
	} else {
		consumer = NewSimpleConsumer(params, producer.MappedSsrcs()[0], callbacks)
	}

	t.consumers.Set(consumerID, consumer)
	t.consumersByProducer[data.ProducerID] = append(t.consumersByProducer[data.ProducerID], consumerID)
	for _, ssrc := range consumer.MediaSsrcs() {
		t.mapSsrcConsumer[ssrc] = consumer
	}

	// a video consumer cannot render until the next key frame
	if data.Kind == MediaKindVideo {
		consumer.ReceiveKeyFrameRequest(consumer.MediaSsrcs()[0])
	}

	return consumer, nil
}

// CloseProducer destroys a producer, notifying its consumers.
func (t *Transport) CloseProducer(producerID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closeProducerLocked(producerID)
}

func (t *Transport) closeProducerLocked(producerID string) error {
	producer, ok := t.producers.Get(producerID)
	if !ok {
		return ErrProducerNotFound
	}

	for _, consumerID := range append([]string(nil), t.consumersByProducer[producerID]...) {
		if consumer, ok := t.consumers.Get(consumerID); ok {
			consumer.ProducerClosed()
			t.notify(consumerID, "producerclose", nil)
			t.removeConsumerLocked(consumerID)
		}
	}
	delete(t.consumersByProducer, producerID)

	t.listener.RemoveProducer(producer)
	producer.Close()
	t.producers.Delete(producerID)
	if t.rembServer != nil {
		t.rembServer.SetSsrcs(t.allProducerSsrcs())
	}
	return nil
}

// CloseConsumer destroys a consumer.
func (t *Transport) CloseConsumer(consumerID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closeConsumerLocked(consumerID)
}

func (t *Transport) closeConsumerLocked(consumerID string) error {
	consumer, ok := t.consumers.Get(consumerID)
	if !ok {
		return ErrConsumerNotFound
	}
	consumer.Close()
	t.removeConsumerLocked(consumerID)
	return nil
}

func (t *Transport) removeConsumerLocked(consumerID string) {
	consumer, ok := t.consumers.Get(consumerID)
	if !ok {
		return
	}
	for _, ssrc := range consumer.MediaSsrcs() {
		delete(t.mapSsrcConsumer, ssrc)
	}
	t.consumers.Delete(consumerID)

	ids := t.consumersByProducer[consumer.ProducerID()]
	for i, id := range ids {
		if id == consumerID {
			t.consumersByProducer[consumer.ProducerID()] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (t *Transport) GetProducer(producerID string) (*Producer, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.producers.Get(producerID)
}

func (t *Transport) GetConsumer(consumerID string) (Consumer, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.consumers.Get(consumerID)
}

// SetMaxIncomingBitrate caps the REMB estimate reported to the remote
// peer. Values below the floor are clamped up.
func (t *Transport) SetMaxIncomingBitrate(bitrate uint32) uint32 {
	if bitrate < minIncomingBitrate {
		bitrate = minIncomingBitrate
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.rembServer != nil {
		t.rembServer.SetMaxBitrate(float64(bitrate))
	}
	return bitrate
}

type TransportDump struct {
	ID          string   `json:"id"`
	ProducerIDs []string `json:"producerIds"`
	ConsumerIDs []string `json:"consumerIds"`
}

func (t *Transport) dumpLocked() TransportDump {
	dump := TransportDump{ID: t.params.ID}
	for el := t.producers.Front(); el != nil; el = el.Next() {
		dump.ProducerIDs = append(dump.ProducerIDs, el.Key)
	}
	for el := t.consumers.Front(); el != nil; el = el.Next() {
		dump.ConsumerIDs = append(dump.ConsumerIDs, el.Key)
	}
	return dump
}

func (t *Transport) Dump() TransportDump {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.dumpLocked()
}

type TransportStats struct {
	ID          string `json:"id"`
	RecvBitrate uint32 `json:"recvBitrate"`
	SendBitrate uint32 `json:"sendBitrate"`
	RecvBytes   int64  `json:"bytesReceived"`
	SendBytes   int64  `json:"bytesSent"`
}

func (t *Transport) statsLocked() TransportStats {
	nowMs := time.Now().UnixMilli()
	t.sendRateLock.Lock()
	sendBitrate := t.sendRate.GetRate(nowMs)
	sendBytes := t.sendRate.GetBytes()
	t.sendRateLock.Unlock()
	return TransportStats{
		ID:          t.params.ID,
		RecvBitrate: t.recvRate.GetRate(nowMs),
		SendBitrate: sendBitrate,
		RecvBytes:   t.recvRate.GetBytes(),
		SendBytes:   sendBytes,
	}
}

func (t *Transport) GetStats() TransportStats {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.statsLocked()
}

// Close tears the transport down silently: every owned producer and
// consumer is destroyed without upward notifications, all timers stop,
// and no further callback is invoked.
func (t *Transport) Close() {
	if t.stop.IsBroken() {
		return
	}
	t.stop.Break()

	t.lock.Lock()
	defer t.lock.Unlock()

	for el := t.consumers.Front(); el != nil; el = el.Next() {
		el.Value.Close()
	}
	for el := t.producers.Front(); el != nil; el = el.Next() {
		t.listener.RemoveProducer(el.Value)
		el.Value.Close()
	}
	t.consumers = orderedmap.NewOrderedMap[string, Consumer]()
	t.producers = orderedmap.NewOrderedMap[string, *Producer]()
	t.consumersByProducer = make(map[string][]string)
	t.mapSsrcConsumer = make(map[uint32]Consumer)

	if t.tccServer != nil {
		t.tccServer.Close()
	}
	t.pacer.Stop()
}

// HandleRequest dispatches one control-channel request scoped to this
// transport. The whole control surface serializes on t.lock.
func (t *Transport) HandleRequest(method string, producerID, consumerID string, data json.RawMessage) (interface{}, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stop.IsBroken() {
		return nil, ErrTransportClosed
	}

	switch method {
	case "transport.produce":
		var d produceData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, ErrInvalidRequestData
		}
		producer, err := t.produceLocked(producerID, d)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": producer.Type()}, nil

	case "transport.consume":
		var d consumeData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, ErrInvalidRequestData
		}
		d.ProducerID = producerID
		consumer, err := t.consumeLocked(consumerID, d)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"paused":         consumer.Paused(),
			"producerPaused": consumer.ProducerPaused(),
			"score":          consumer.GetScore(),
		}, nil

	case "transport.setMaxIncomingBitrate":
		var d struct {
			Bitrate uint32 `json:"bitrate"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, ErrInvalidRequestData
		}
		bitrate := d.Bitrate
		if bitrate < minIncomingBitrate {
			bitrate = minIncomingBitrate
		}
		if t.rembServer != nil {
			t.rembServer.SetMaxBitrate(float64(bitrate))
		}
		return map[string]interface{}{"bitrate": bitrate}, nil

	case "transport.dump":
		return t.dumpLocked(), nil

	case "transport.getStats":
		return t.statsLocked(), nil

	case "producer.close":
		return nil, t.closeProducerLocked(producerID)

	case "producer.pause":
		producer, ok := t.producers.Get(producerID)
		if !ok {
			return nil, ErrProducerNotFound
		}
		producer.Pause()
		for _, cid := range t.consumersByProducer[producerID] {
			if consumer, ok := t.consumers.Get(cid); ok {
				consumer.ProducerPause()
				t.notify(cid, "producerpause", nil)
			}
		}
		return nil, nil

	case "producer.resume":
		producer, ok := t.producers.Get(producerID)
		if !ok {
			return nil, ErrProducerNotFound
		}
		producer.Resume()
		for _, cid := range t.consumersByProducer[producerID] {
			if consumer, ok := t.consumers.Get(cid); ok {
				consumer.ProducerResume()
				t.notify(cid, "producerresume", nil)
			}
		}
		return nil, nil

	case "producer.dump":
		producer, ok := t.producers.Get(producerID)
		if !ok {
			return nil, ErrProducerNotFound
		}
		return producer.Dump(), nil

	case "producer.getStats":
		producer, ok := t.producers.Get(producerID)
		if !ok {
			return nil, ErrProducerNotFound
		}
		return producer.GetStats(time.Now().UnixMilli()), nil

	case "consumer.close":
		return nil, t.closeConsumerLocked(consumerID)

	case "consumer.pause":
		consumer, ok := t.consumers.Get(consumerID)
		if !ok {
			return nil, ErrConsumerNotFound
		}
		consumer.Pause()
		return nil, nil

	case "consumer.resume":
		consumer, ok := t.consumers.Get(consumerID)
		if !ok {
			return nil, ErrConsumerNotFound
		}
		consumer.Resume()
		return nil, nil

	case "consumer.setPreferredLayers":
		consumer, ok := t.consumers.Get(consumerID)
		if !ok {
			return nil, ErrConsumerNotFound
		}
		var d struct {
			SpatialLayer  int16 `json:"spatialLayer"`
			TemporalLayer int16 `json:"temporalLayer"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, ErrInvalidRequestData
		}
		spatial, temporal := consumer.SetPreferredLayers(d.SpatialLayer, d.TemporalLayer)
		return map[string]interface{}{
			"spatialLayer":  spatial,
			"temporalLayer": temporal,
		}, nil

	case "consumer.requestKeyFrame":
		consumer, ok := t.consumers.Get(consumerID)
		if !ok {
			return nil, ErrConsumerNotFound
		}
		consumer.ReceiveKeyFrameRequest(consumer.MediaSsrcs()[0])
		return nil, nil

	case "consumer.dump":
		consumer, ok := t.consumers.Get(consumerID)
		if !ok {
			return nil, ErrConsumerNotFound
		}
		return consumer.Dump(), nil

	case "consumer.getStats":
		consumer, ok := t.consumers.Get(consumerID)
		if !ok {
			return nil, ErrConsumerNotFound
		}
		return consumer.GetStats(time.Now().UnixMilli()), nil

	default:
		return nil, ErrUnknownMethod
	}
}
