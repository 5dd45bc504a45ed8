// Package firewall manages the nftables table that diverts traffic to the
// inline NFQUEUE handler.
package firewall

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// TablePrefix is the name prefix of every tunfilter nftables table.
const TablePrefix = "tunfilter_"

// TableName returns the name of the nftables table of a session.
func TableName(sessionID string) (name string) {
	return TablePrefix + sessionID
}

// Config is the configuration of a [Firewall].
type Config struct {
	// Logger is used for debug logging.  It must not be nil.
	Logger *slog.Logger

	// SessionID names the table.
	SessionID string

	// BlockedNetworks are dropped before any packet is queued.
	BlockedNetworks []netip.Prefix

	// TCPPorts are the TCP destination ports whose packets are queued.
	TCPPorts []uint16

	// QueueNum is the NFQUEUE number packets are sent to.
	QueueNum uint16

	// QueueReplies also queues inbound DNS replies so that addresses resolved
	// through blocked CNAMEs can be blocked.
	QueueReplies bool
}

// Firewall manages the nftables rules of a tunfilter session.
type Firewall struct {
	logger *slog.Logger

	mu        *sync.Mutex
	conn      *nftables.Conn
	table     *nftables.Table
	blockedV4 *nftables.Set

	sessionID    string
	networks     []netip.Prefix
	tcpPorts     []uint16
	queueNum     uint16
	queueReplies bool
}

// New returns a new *Firewall.  Call [Firewall.Setup] to install the rules.
func New(c *Config) (fw *Firewall) {
	return &Firewall{
		logger:       c.Logger,
		mu:           &sync.Mutex{},
		sessionID:    c.SessionID,
		networks:     c.BlockedNetworks,
		tcpPorts:     c.TCPPorts,
		queueNum:     c.QueueNum,
		queueReplies: c.QueueReplies,
	}
}

// Setup creates the complete nftables ruleset for this session.
func (fw *Firewall) Setup() (err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("creating nftables connection: %w", err)
	}
	fw.conn = conn

	fw.table = &nftables.Table{
		Name:   TableName(fw.sessionID),
		Family: nftables.TableFamilyIPv4,
	}
	conn.AddTable(fw.table)

	fw.blockedV4 = &nftables.Set{
		Name:     "blocked_v4",
		Table:    fw.table,
		KeyType:  nftables.TypeIPAddr,
		Interval: true,
	}

	err = conn.AddSet(fw.blockedV4, prefixElements(fw.networks))
	if err != nil {
		return fmt.Errorf("adding blocked_v4 set: %w", err)
	}

	policy := nftables.ChainPolicyAccept
	output := conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    fw.table,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Type:     nftables.ChainTypeFilter,
		Policy:   &policy,
	})

	for _, exprs := range fw.outputRules() {
		conn.AddRule(&nftables.Rule{Table: fw.table, Chain: output, Exprs: exprs})
	}

	if fw.queueReplies {
		input := conn.AddChain(&nftables.Chain{
			Name:     "input",
			Table:    fw.table,
			Hooknum:  nftables.ChainHookInput,
			Priority: nftables.ChainPriorityFilter,
			Type:     nftables.ChainTypeFilter,
			Policy:   &policy,
		})

		conn.AddRule(&nftables.Rule{
			Table: fw.table,
			Chain: input,
			Exprs: queueExprs(unix.IPPROTO_UDP, 53, offsetSrcPort, fw.queueNum),
		})
	}

	err = conn.Flush()
	if err != nil {
		return fmt.Errorf("flushing nftables rules: %w", err)
	}

	fw.logger.Debug("nftables table created", "table", fw.table.Name, "queue", fw.queueNum)

	return nil
}

// outputRules returns the expressions of the output chain rules: drop the
// blocked networks, then queue DNS queries and the TCP ports.
func (fw *Firewall) outputRules() (rules [][]expr.Any) {
	rules = append(rules, []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       16,
			Len:          4,
		},
		&expr.Lookup{
			SourceRegister: 1,
			SetName:        fw.blockedV4.Name,
			SetID:          fw.blockedV4.ID,
		},
		&expr.Verdict{Kind: expr.VerdictDrop},
	})

	rules = append(rules, queueExprs(unix.IPPROTO_UDP, 53, offsetDstPort, fw.queueNum))
	for _, port := range fw.tcpPorts {
		rules = append(rules, queueExprs(unix.IPPROTO_TCP, port, offsetDstPort, fw.queueNum))
	}

	return rules
}

// Transport header offsets of the port fields.
const (
	offsetSrcPort = 0
	offsetDstPort = 2
)

// queueExprs returns expressions sending packets of proto with port at
// portOffset to the queue num.  The queue is bypassed when no handler is
// bound, so traffic is not cut if tunfilter dies.
func queueExprs(proto byte, port uint16, portOffset uint32, num uint16) (exprs []expr.Any) {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     []byte{proto},
		},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       portOffset,
			Len:          2,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(port),
		},
		&expr.Queue{
			Num:  num,
			Flag: expr.QueueFlagBypass,
		},
	}
}

// QueueNum returns the NFQUEUE number of the session.
func (fw *Firewall) QueueNum() (num uint16) {
	return fw.queueNum
}

// Teardown removes the nftables table atomically, deleting all chains, sets,
// and rules.  It is idempotent.
func (fw *Firewall) Teardown() (err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.conn == nil {
		return nil
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("creating nftables connection for teardown: %w", err)
	}

	conn.DelTable(fw.table)
	err = conn.Flush()
	if err != nil {
		// The table may already be gone.
		fw.logger.Debug("deleting nftables table", "table", fw.table.Name, slogutil.KeyError, err)

		return nil
	}

	fw.conn = nil
	fw.logger.Debug("nftables table deleted", "table", fw.table.Name)

	return nil
}

// prefixElements converts IPv4 prefixes into interval set elements.
// Non-IPv4 prefixes are skipped.
func prefixElements(prefixes []netip.Prefix) (elems []nftables.SetElement) {
	for _, p := range prefixes {
		p = p.Masked()
		if !p.Addr().Is4() {
			continue
		}

		start := p.Addr().As4()
		elems = append(elems,
			nftables.SetElement{Key: start[:]},
			nftables.SetElement{Key: nextIP(lastIP(p)), IntervalEnd: true},
		)
	}

	return elems
}

// nextIP returns the address immediately following ip, wrapping to zero.
func nextIP(ip netip.Addr) (b []byte) {
	next := ip.Next()
	if !next.IsValid() {
		return make([]byte, 4)
	}

	a := next.As4()

	return a[:]
}

// lastIP returns the last address of the IPv4 prefix p.
func lastIP(p netip.Prefix) (last netip.Addr) {
	a := p.Masked().Addr().As4()
	bits := p.Bits()
	for i := range a {
		switch {
		case bits >= 8:
			bits -= 8
		default:
			a[i] |= byte(0xff >> bits)
			bits = 0
		}
	}

	return netip.AddrFrom4(a)
}
