// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

// Protocol constants from linux/rtnetlink.h, linux/pkt_cls.h, and the
// tc_act/* uapi headers. golang.org/x/sys/unix carries the RTM_NEW*/DEL*
// family for links/neighbors/routes but not the tc-specific TCA_*/TC_*
// values, so those are defined here the same way the original C source
// pulls them from kernel headers directly.
const (
	RTM_NEWLINK  = 16
	RTM_DELLINK  = 17
	RTM_GETLINK  = 18
	RTM_NEWNEIGH = 28
	RTM_DELNEIGH = 29
	RTM_GETNEIGH = 30
	RTM_NEWROUTE = 24
	RTM_DELROUTE = 25
	RTM_GETROUTE = 26

	RTM_NEWQDISC    = 36
	RTM_GETQDISC    = 38
	RTM_NEWCHAIN    = 100
	RTM_GETCHAIN    = 102
	RTM_NEWTFILTER  = 44
	RTM_DELTFILTER  = 45
	RTM_GETTFILTER  = 46

	NLM_F_REQUEST = 0x1
	NLM_F_ACK     = 0x4
	NLM_F_EXCL    = 0x200
	NLM_F_CREATE  = 0x400
	NLM_F_DUMP    = 0x300

	NLMSG_DONE  = 3
	NLMSG_ERROR = 2

	AF_UNSPEC = 0
	AF_INET   = 2
	AF_INET6  = 10

	ETH_P_IP     = 0x0800
	ETH_P_IPV6   = 0x86DD
	ETH_P_8021Q  = 0x8100

	// TC_H_* handle helpers (linux/pkt_sched.h).
	TC_H_MIN_INGRESS = 0xFFF2
	TC_H_CLSACT      = 0xFFFFFFF1

	// tc action codes (linux/tc_act/tc_gact.h, pkt_cls.h).
	TC_ACT_PIPE         = 3
	TC_ACT_STOLEN       = 4
	TC_ACT_TRAP         = 8
	TC_ACT_GOTO_CHAIN   = 0x20000000
	TC_ACT_EXT_VAL_MASK = 0x0FFFFFFF

	TCA_EGRESS_REDIR = 1

	// Top-level TCA_* attribute ids (linux/rtnetlink.h / pkt_cls.h).
	TCA_KIND       = 1
	TCA_OPTIONS    = 2
	TCA_STATS      = 3
	TCA_CHAIN      = 11
	TCA_HW_OFFLOAD = 12

	// TCA_FLOWER_* attribute ids (linux/pkt_cls.h).
	TCA_FLOWER_FLAGS             = 22
	TCA_FLOWER_ACT               = 3
	TCA_FLOWER_KEY_ETH_TYPE      = 8
	TCA_FLOWER_KEY_IPV4_SRC      = 10
	TCA_FLOWER_KEY_IPV4_SRC_MASK = 11
	TCA_FLOWER_KEY_IPV4_DST      = 12
	TCA_FLOWER_KEY_IPV4_DST_MASK = 13
	TCA_FLOWER_KEY_IPV6_DST      = 16
	TCA_FLOWER_KEY_IPV6_DST_MASK = 17
	TCA_FLOWER_KEY_VLAN_ETH_TYPE = 25
	TCA_FLOWER_KEY_IP_TTL        = 75
	TCA_FLOWER_KEY_IP_TTL_MASK   = 76

	TCA_CLS_FLAGS_SKIP_SW = 1 << 1
	TCA_CLS_FLAGS_IN_HW   = 1 << 2

	// TCA_ACT_* (generic action nest).
	TCA_ACT_KIND    = 1
	TCA_ACT_OPTIONS = 2

	// Per-action option attribute ids.
	TCA_GACT_PARMS = 2

	TCA_VLAN_PARMS         = 2
	TCA_VLAN_PUSH_VLAN_ID  = 3
	TCA_VLAN_ACT_MODIFY    = 3

	TCA_PEDIT_PARMS_EX     = 4
	TCA_PEDIT_KEYS_EX      = 5
	TCA_PEDIT_KEY_EX       = 6
	TCA_PEDIT_KEY_EX_HTYPE = 1
	TCA_PEDIT_KEY_EX_CMD   = 2

	PeditHdrTypeEth = 1
	PeditHdrTypeIP4 = 2
	PeditHdrTypeIP6 = 3
	PeditCmdSet     = 0
	PeditCmdAdd     = 1

	TCA_MIRRED_PARMS = 2

	TCA_CSUM_PARMS                = 1
	TCA_CSUM_UPDATE_FLAG_IPV4HDR = 1

	// TC_H_* composite handles (linux/pkt_sched.h): TC_H_MAKE(TC_H_CLSACT, TC_H_MIN_INGRESS).
	TC_H_CLSACT_INGRESS_PARENT = 0xFFFFFFF2

	// RTM link/neigh/route attribute ids.
	IFLA_ADDRESS = 1
	IFLA_IFNAME  = 3
	IFLA_MTU     = 4
	IFLA_LINKINFO = 18
	IFLA_LINK    = 5
	IFLA_LINKINFO_KIND = 1
	IFLA_LINKINFO_DATA = 2
	IFLA_VLAN_ID = 1

	NDA_DST = 1
	NDA_LLADDR = 2

	RTA_DST     = 1
	RTA_OIF     = 4
	RTA_GATEWAY = 5
	RTA_TABLE   = 15
	RTA_MULTIPATH = 9

	RTN_UNICAST   = 1
	RT_TABLE_UNSPEC = 0
)
