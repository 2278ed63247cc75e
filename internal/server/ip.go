package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// 레코드 source 결정
//
// X-Log-Source 헤더가 없으면 보낸 쪽 IP 를 source 로 쓴다.
// 수집기는 ALB 뒤에 있으므로 RemoteAddr 는 보통 ALB 의 주소다.
// ------------------------------------------------------------

const sourceHeader = "X-Log-Source"

// recordSource 는 헤더 → 클라이언트 IP → "unknown" 순.
func recordSource(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get(sourceHeader)); s != "" {
		return s
	}
	if ip := clientIP(r); ip != "" {
		return ip
	}
	return "unknown"
}

// isPublicIP:
//   - private / loopback / link-local 이 아니면 true
//   - X-Forwarded-For 에서 ALB 등 내부 hop 을 건너뛰기 위해 필요
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP 우선순위:
//  1. X-Forwarded-For 의 첫 번째 public IP
//  2. X-Forwarded-For 의 첫 번째 유효 IP (VPC 내부 함수는 private 주소로 보낸다)
//  3. RemoteAddr
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		var first net.IP
		for _, part := range strings.Split(xff, ",") {
			ip := safeParseIP(part)
			if ip == nil {
				continue
			}
			if isPublicIP(ip) {
				return ip.String()
			}
			if first == nil {
				first = ip
			}
		}
		if first != nil {
			return first.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := safeParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
